package favorites

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

// Store persists the ordered favorites list
type Store interface {
	Load(ctx context.Context) ([]controls.Favorite, error)
	Save(ctx context.Context, list []controls.Favorite) error
}

func init() {
	viper.SetDefault("favorites.backend", "file")
	viper.SetDefault("favorites.path", "favorites.json")
}

// Open returns the store selected by favorites.backend
func Open(ctx context.Context, cfg *viper.Viper) (Store, error) {
	path := cfg.GetString("favorites.path")

	switch backend := cfg.GetString("favorites.backend"); backend {
	case "file", "":
		return NewFileStore(path), nil
	case "sqlite":
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("bad favorites backend: [%s]", backend)
	}
}

// Memory is a Store held in memory, with an optional injected save failure
type Memory struct {
	mu      sync.Mutex
	list    []controls.Favorite
	saveErr error
}

func NewMemory(list ...controls.Favorite) *Memory {
	return &Memory{list: list}
}

// FailSaves makes every following Save return err; nil restores saving
func (m *Memory) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *Memory) Load(ctx context.Context) ([]controls.Favorite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]controls.Favorite, len(m.list))
	copy(out, m.list)
	return out, nil
}

func (m *Memory) Save(ctx context.Context, list []controls.Favorite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}

	m.list = make([]controls.Favorite, len(list))
	copy(m.list, list)
	return nil
}
