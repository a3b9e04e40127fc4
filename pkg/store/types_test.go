package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/objectproxy/pkg/record"
)

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{"valid", Schema{Name: "wikipage"}, ""},
		{"valid with hidden", Schema{Name: "user", Hidden: []string{"password"}}, ""},
		{"empty name", Schema{}, "schema name cannot be empty"},
		{"colon in name", Schema{Name: "a:b"}, "cannot contain"},
		{"empty hidden field", Schema{Name: "user", Hidden: []string{""}}, "hidden field names cannot be empty"},
		{"hidden name", Schema{Name: "user", Hidden: []string{"name"}}, "cannot be hidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		valid bool
	}{
		{"update", Event{Kind: EventUpdate, Record: record.New("wikipage", "u1", nil)}, true},
		{"update without record", Event{Kind: EventUpdate}, false},
		{"delete", Event{Kind: EventDelete, Schema: "wikipage", UUID: "u1"}, true},
		{"delete without uuid", Event{Kind: EventDelete, Schema: "wikipage"}, false},
		{"lifecycle", Event{Kind: EventLifecycle, Name: "User.Login"}, true},
		{"lifecycle without name", Event{Kind: EventLifecycle}, false},
		{"unknown kind", Event{Kind: "other"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestListQueryProjection(t *testing.T) {
	assert.Nil(t, (&ListQuery{}).projection())
	assert.Nil(t, (&ListQuery{Fields: []string{"owner", "*"}}).projection())
	assert.Equal(t, map[string]bool{"name": true, "owner": true}, (&ListQuery{Fields: []string{"owner"}}).projection())
}
