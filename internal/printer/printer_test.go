package printer

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	restore := SetOutput(out, errOut)
	t.Cleanup(func() {
		restore()
		color.NoColor = prev
	})
	return out, errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
		assert.Equal(t, "Test Error\n\nThis is a test error\n", errOut.String())
	})

	t.Run("single suggestion is printed plainly", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		Error("Test Error", "Explanation", []string{"First option", "Second option"})
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Test Error", "Explanation", map[string]string{"Instance": "test-instance"}, nil)
	require.Equal(t, "Test Error", err.Error())
	assert.Contains(t, errOut.String(), "  Instance: test-instance\n")
}

func TestMessages(t *testing.T) {
	out, errOut := capture(t)

	Success("saved %s\n", "u1")
	Success("✓ already prefixed\n")
	Info("plain %d\n", 1)
	Step("connecting\n")
	Warning("slow\n")

	assert.Equal(t, "✓ saved u1\n✓ already prefixed\nplain 1\n→ connecting\n", out.String())
	assert.Equal(t, "⚠️  slow\n", errOut.String())
}
