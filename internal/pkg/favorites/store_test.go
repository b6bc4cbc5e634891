package favorites

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

var sampleList = []controls.Favorite{
	{ControlID: "lamp", ProviderID: "p1", Title: "Desk lamp", DisplayType: "toggle"},
	{ControlID: "therm", ProviderID: "nest", Title: "Hallway", DisplayType: "thermostat"},
	{ControlID: "door", ProviderID: "p1"},
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	list, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Save(ctx, sampleList))

	list, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleList, list)

	// order is preserved on rewrite
	reordered := []controls.Favorite{sampleList[2], sampleList[0]}
	require.NoError(t, s.Save(ctx, reordered))

	list, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, reordered, list)

	require.NoError(t, s.Save(ctx, nil))
	list, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, NewFileStore(filepath.Join(t.TempDir(), "favorites.json")))
}

func TestFileStoreCorrupt(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "favorites.json")
	require.NoError(t, os.WriteFile(fileName, []byte("{not json"), 0640))

	_, err := NewFileStore(fileName).Load(context.Background())
	assert.Error(t, err)
}

func TestFileStoreUnwritable(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "missing", "favorites.json"))
	assert.Error(t, s.Save(context.Background(), sampleList))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "favorites.db"))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)

	m.FailSaves(errors.New("disk full"))
	assert.EqualError(t, m.Save(context.Background(), sampleList), "disk full")

	m.FailSaves(nil)
	assert.NoError(t, m.Save(context.Background(), sampleList))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	v := viper.New()
	v.Set("favorites.backend", "file")
	v.Set("favorites.path", filepath.Join(dir, "f.json"))
	s, err := Open(context.Background(), v)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	v.Set("favorites.backend", "sqlite")
	v.Set("favorites.path", filepath.Join(dir, "f.db"))
	s, err = Open(context.Background(), v)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.(*SQLiteStore).Close()

	v.Set("favorites.backend", "floppy")
	_, err = Open(context.Background(), v)
	assert.Error(t, err)
}
