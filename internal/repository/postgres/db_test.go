package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/vmplacer/internal/config"
)

func TestNewPoolConfig(t *testing.T) {
	base := config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		Name:     "vmplacer",
		User:     "placer",
		Password: "secret",
		SSLMode:  "disable",
	}

	t.Run("applies limits", func(t *testing.T) {
		cfg := base
		cfg.MaxOpenConns = 12
		cfg.MaxIdleConns = 3
		cfg.ConnMaxLifetime = 10 * time.Minute

		pc, err := newPoolConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, int32(12), pc.MaxConns)
		assert.Equal(t, int32(3), pc.MinConns)
		assert.Equal(t, 10*time.Minute, pc.MaxConnLifetime)
		assert.Equal(t, "db.internal", pc.ConnConfig.Host)
		assert.Equal(t, uint16(5433), pc.ConnConfig.Port)
		assert.Equal(t, applicationName, pc.ConnConfig.RuntimeParams["application_name"])
	})

	t.Run("idle floor capped at max", func(t *testing.T) {
		cfg := base
		cfg.MaxOpenConns = 2
		cfg.MaxIdleConns = 5

		pc, err := newPoolConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, int32(2), pc.MinConns)
	})

	t.Run("zero values keep defaults", func(t *testing.T) {
		def, err := newPoolConfig(base)
		require.NoError(t, err)
		assert.Positive(t, def.MaxConns)
		assert.Positive(t, def.MaxConnLifetime)
	})
}

func TestPoolStats_Saturated(t *testing.T) {
	assert.False(t, PoolStats{}.Saturated())
	assert.False(t, PoolStats{MaxConns: 4, AcquiredConns: 3}.Saturated())
	assert.True(t, PoolStats{MaxConns: 4, AcquiredConns: 4}.Saturated())
}
