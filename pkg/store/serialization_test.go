package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/objectproxy/pkg/record"
)

func TestRecordHashRoundTrip(t *testing.T) {
	r := record.New("layer", "l1", map[string]any{
		"name":    "Roads",
		"visible": true,
		"zoom":    12.0,
		"bounds":  map[string]any{"north": 1.5, "south": -1.5},
		"tags":    []any{"osm", "base"},
		"note":    nil,
	})

	hash, err := RecordToHash(r, 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, "l1", hash["uuid"])
	assert.Equal(t, "layer", hash["schema"])
	assert.Equal(t, int64(1700000000000), hash["created_at_ms"])
	assert.Equal(t, `"Roads"`, hash["f:name"])
	assert.Equal(t, "null", hash["f:note"])

	// Redis returns every hash value as a string.
	strHash := make(map[string]string, len(hash))
	for k, v := range hash {
		switch val := v.(type) {
		case string:
			strHash[k] = val
		case int64:
			strHash[k] = "1700000000000"
		}
	}

	decoded, createdAt, err := HashToRecord(strHash)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), createdAt)
	assert.Equal(t, r, decoded)
}

func TestHashToRecord_Errors(t *testing.T) {
	t.Run("missing identity", func(t *testing.T) {
		_, _, err := HashToRecord(map[string]string{"schema": "layer"})
		assert.Error(t, err)
	})

	t.Run("corrupt field", func(t *testing.T) {
		_, _, err := HashToRecord(map[string]string{"schema": "layer", "uuid": "l1", "f:name": "{"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `field "name"`)
	})

	t.Run("missing timestamp defaults to zero", func(t *testing.T) {
		r, createdAt, err := HashToRecord(map[string]string{"schema": "layer", "uuid": "l1"})
		require.NoError(t, err)
		assert.Zero(t, createdAt)
		assert.Empty(t, r.Fields)
	})
}

func TestSchemaHashRoundTrip(t *testing.T) {
	hash, err := SchemaToHash(&Schema{Name: "user", Hidden: []string{"password", "token"}})
	require.NoError(t, err)
	assert.Equal(t, `["password","token"]`, hash["hidden"])

	s, err := HashToSchema(map[string]string{"name": "user", "hidden": hash["hidden"].(string)})
	require.NoError(t, err)
	assert.Equal(t, &Schema{Name: "user", Hidden: []string{"password", "token"}}, s)

	hash, err = SchemaToHash(&Schema{Name: "layer"})
	require.NoError(t, err)
	assert.Equal(t, "[]", hash["hidden"])

	s, err = HashToSchema(map[string]string{"name": "layer", "hidden": "[]"})
	require.NoError(t, err)
	assert.Nil(t, s.Hidden)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "objproxy:prod:record:wikipage:u1", RecordKey("prod", "wikipage", "u1"))
	assert.Equal(t, "objproxy:prod:index:wikipage", IndexKey("prod", "wikipage"))
	assert.Equal(t, "objproxy:prod:schemas", SchemasKey("prod"))
	assert.Equal(t, "objproxy:prod:schema:user", SchemaKey("prod", "user"))
	assert.Equal(t, "objproxy:prod:record_events", RecordEventsChannel("prod"))
	assert.Equal(t, "f:name", FieldKey("name"))
}
