package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenkids/entitlements/pkg/logger"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json format", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithFormat(logger.FormatJSON))
		log.Info("hello", slog.String("key", "value"))

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "hello", record["msg"])
		assert.Equal(t, "value", record["key"])
	})

	t.Run("text format", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithFormat(logger.FormatText))
		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("level filtering", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithLevel(slog.LevelWarn))
		log.Info("dropped")
		assert.Empty(t, buf.String())
		log.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() {
			logger.New(logger.WithFormat(logger.Format("xml")))
		})
	})

	t.Run("base attrs", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithAttrs(slog.String("service", "entitlementd")),
		)
		log.Info("hello")
		assert.Contains(t, buf.String(), "entitlementd")
	})
}

func TestAttrs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.Attr{}, logger.Error(nil))
	assert.Equal(t, "error", logger.Error(assert.AnError).Key)
	assert.Equal(t, "event_id", logger.EventID("evt_1").Key)
	assert.Equal(t, slog.Attr{}, logger.ParentUID(nil))
	assert.Equal(t, "child_profile_id", logger.ChildID("child-1").Key)
}
