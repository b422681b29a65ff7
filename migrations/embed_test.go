package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS_PairsUpAndDown(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		}
	}
	assert.Equal(t, ups, downs)
}

func TestFS_ActiveReservationIndex(t *testing.T) {
	raw, err := fs.ReadFile(FS, "000001_booking_schema.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "uq_reservations_active")
	assert.Contains(t, string(raw), "PRIMARY KEY (department_id, ledger_date)")
}
