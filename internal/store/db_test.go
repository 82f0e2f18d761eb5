package store

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/pdfarchive/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig(config.DatabaseConfig{
		URL:             "postgres://u:p@localhost:5432/pdfarchive?sslmode=disable",
		MaxOpenConns:    8,
		MaxIdleConns:    3,
		ConnMaxLifetime: 10 * time.Minute,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(8), cfg.MaxConns)
	assert.Equal(t, int32(3), cfg.MinConns)
	assert.Equal(t, 10*time.Minute, cfg.MaxConnLifetime)
	assert.Equal(t, time.Minute, cfg.MaxConnLifetimeJitter)
	assert.Equal(t, connectTimeout, cfg.ConnConfig.ConnectTimeout)
	assert.Equal(t, "pdfarchive", cfg.ConnConfig.RuntimeParams["application_name"])
}

func TestPoolConfig_IdleNeverExceedsPool(t *testing.T) {
	cfg, err := poolConfig(config.DatabaseConfig{
		URL:          "postgres://localhost/pdfarchive",
		MaxOpenConns: 2,
		MaxIdleConns: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), cfg.MinConns)
}

func TestPoolConfig_KeepsApplicationNameFromURL(t *testing.T) {
	cfg, err := poolConfig(config.DatabaseConfig{
		URL:          "postgres://localhost/pdfarchive?application_name=reporting",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "reporting", cfg.ConnConfig.RuntimeParams["application_name"])
}

func TestPoolConfig_InvalidURL(t *testing.T) {
	_, err := poolConfig(config.DatabaseConfig{URL: "postgres://%zz"})
	assert.ErrorContains(t, err, "parse database URL")
}
