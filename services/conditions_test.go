package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConditionFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conditions.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConditions(t *testing.T) {
	logger := zap.NewNop()

	t.Run("empty path yields defaults", func(t *testing.T) {
		set, err := LoadConditions("", logger)
		require.NoError(t, err)
		assert.Equal(t, ActionRouteToOutput, set["completed"].Action)
		assert.Equal(t, ActionLogError, set["failed"].Action)
	})

	t.Run("missing file yields defaults", func(t *testing.T) {
		set, err := LoadConditions(filepath.Join(t.TempDir(), "absent.json"), logger)
		require.NoError(t, err)
		assert.Equal(t, DefaultConditions(), set)
	})

	t.Run("file entries resolve eagerly", func(t *testing.T) {
		path := writeConditionFile(t, `{
			"status": {
				"completed": {"action": "route_to_output", "delete_after": 3600},
				"failed":    {"action": "log_error"},
				"partial":   {"action": "none"}
			}
		}`)
		set, err := LoadConditions(path, logger)
		require.NoError(t, err)
		assert.Equal(t, ActionRouteToOutput, set["completed"].Action)
		assert.Equal(t, time.Hour, set["completed"].DeleteAfter)
		assert.Equal(t, ActionLogError, set["failed"].Action)
		assert.Equal(t, ActionNone, set["partial"].Action)
	})

	t.Run("unknown action resolves to no-op", func(t *testing.T) {
		path := writeConditionFile(t, `{"status": {"completed": {"action": "launch_rocket"}}}`)
		set, err := LoadConditions(path, logger)
		require.NoError(t, err)
		assert.Equal(t, ActionNone, set["completed"].Action)
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		path := writeConditionFile(t, `{"status": [`)
		_, err := LoadConditions(path, logger)
		assert.Error(t, err)
	})
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "route_to_output", ActionRouteToOutput.String())
	assert.Equal(t, "log_error", ActionLogError.String())
	assert.Equal(t, "none", ActionNone.String())
}
