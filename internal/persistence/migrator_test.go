package persistence

import (
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_PairsAndOrders(t *testing.T) {
	src := fstest.MapFS{
		"000002_records.up.sql":     {Data: []byte("CREATE TABLE b();")},
		"000002_records.down.sql":   {Data: []byte("DROP TABLE b;")},
		"000001_event_log.up.sql":   {Data: []byte("CREATE TABLE a();")},
		"000001_event_log.down.sql": {Data: []byte("DROP TABLE a;")},
		"README.md":                 {Data: []byte("ignored")},
	}
	migs, err := LoadMigrations(src)
	require.NoError(t, err)
	require.Len(t, migs, 2)
	require.Equal(t, "000001", migs[0].Version)
	require.Equal(t, "event_log", migs[0].Name)
	require.Equal(t, "DROP TABLE a;", migs[0].Down)
	require.Len(t, migs[1].Checksum, 64)
	require.NotEqual(t, migs[0].Checksum, migs[1].Checksum)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{"000003_x.down.sql": {Data: []byte("x")}})
	require.Error(t, err, "down without up")

	_, err = LoadMigrations(fstest.MapFS{"nounderscore.up.sql": {Data: []byte("x")}})
	require.Error(t, err)

	_, err = LoadMigrations(fstest.MapFS{
		"000001_a.up.sql":   {Data: []byte("x")},
		"000001_b.down.sql": {Data: []byte("y")},
	})
	require.Error(t, err, "mismatched names")
}

func TestLoadMigrations_ShippedSchema(t *testing.T) {
	migs, err := LoadMigrations(os.DirFS("../../migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, migs)
	for _, m := range migs {
		require.NotEmpty(t, m.Down, "migration %s_%s needs a down file", m.Version, m.Name)
	}
}
