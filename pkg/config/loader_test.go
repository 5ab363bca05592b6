package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenkids/entitlements/pkg/config"
)

type serverConfig struct {
	Host string `env:"TEST_SERVER_HOST" envDefault:"localhost"`
	Port int    `env:"TEST_SERVER_PORT" envDefault:"8080"`
}

type requiredConfig struct {
	Token string `env:"TEST_REQUIRED_TOKEN_MISSING,required"`
}

func TestLoad(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		var cfg serverConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, 8080, cfg.Port)
	})

	t.Run("reads environment overrides", func(t *testing.T) {
		t.Setenv("TEST_OVERRIDE_HOST", "example.com")

		type overrideConfig struct {
			Host string `env:"TEST_OVERRIDE_HOST" envDefault:"localhost"`
		}

		var cfg overrideConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "example.com", cfg.Host)
	})

	t.Run("caches per type", func(t *testing.T) {
		var first serverConfig
		require.NoError(t, config.Load(&first))

		// Changing the environment after the first load must not change
		// the cached value.
		t.Setenv("TEST_SERVER_PORT", "9999")

		var second serverConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, first, second)
	})

	t.Run("nil pointer", func(t *testing.T) {
		err := config.Load[serverConfig](nil)
		assert.ErrorIs(t, err, config.ErrNilPointer)
	})

	t.Run("missing required variable", func(t *testing.T) {
		var cfg requiredConfig
		err := config.Load(&cfg)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})
}

func TestMustLoad(t *testing.T) {
	t.Run("panics on failure", func(t *testing.T) {
		assert.Panics(t, func() {
			var cfg requiredConfig
			config.MustLoad(&cfg)
		})
	})
}
