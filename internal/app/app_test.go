package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-slot-booking/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Store:          "memory",
		ClinicTimezone: "UTC",
		ReservationTTL: 15 * time.Minute,
		SweepBatchSize: 100,
	}
}

func TestBuild_MemoryStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, err := Build(context.Background(), memoryConfig(), zerolog.Nop(), Options{Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	assert.Nil(t, rt.Pool)
	assert.Nil(t, rt.Redis)
	assert.Equal(t, []string{"dental", "laboratory", "medical", "radiography"}, rt.Catalog.Departments())

	res, err := rt.Sweeper().SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuild_TemplatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
departments:
  - id: eye
    slots:
      - {id: eye-0900, time: "09:00 AM - 10:00 AM", capacity: 2}
`), 0o600))

	cfg := memoryConfig()
	cfg.TemplatesFile = path
	rt, err := Build(context.Background(), cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"eye"}, rt.Catalog.Departments())

	cfg.TemplatesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Build(context.Background(), cfg, zerolog.Nop(), Options{})
	assert.Error(t, err)
}
