package favorites

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

// FileStore keeps the favorites list in a JSON document
type FileStore struct {
	fileName string
	mu       sync.Mutex
}

// Version of the list that we marshal/unmarshal
type fileMarshal struct {
	Version   int                 `json:"version"`
	Favorites []controls.Favorite `json:"favorites"`
}

func NewFileStore(fileName string) *FileStore {
	return &FileStore{fileName: fileName}
}

// Load reads the list.  A missing file is an empty list.
func (s *FileStore) Load(ctx context.Context) ([]controls.Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.fileName, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Logger(ctx).Debugf("no favorites file at %s", s.fileName)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening favorites %s for read", s.fileName)
	}
	defer file.Close()

	fm := fileMarshal{}
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&fm); err != nil {
		return nil, errors.Wrapf(err, "loading favorites from %s", s.fileName)
	}

	return fm.Favorites, nil
}

// Save replaces the list.  The new document is written beside the old one
// and renamed into place.
func (s *FileStore) Save(ctx context.Context, list []controls.Favorite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fm := fileMarshal{Version: 1, Favorites: list}
	if fm.Favorites == nil {
		fm.Favorites = []controls.Favorite{}
	}

	tmpName := filepath.Join(filepath.Dir(s.fileName), "."+filepath.Base(s.fileName)+".tmp")
	file, err := os.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return errors.Wrapf(err, "opening favorites %s for write", tmpName)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(fm); err != nil {
		file.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "saving favorites to %s", tmpName)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "closing %s", tmpName)
	}

	if err := os.Rename(tmpName, s.fileName); err != nil {
		return errors.Wrapf(err, "replacing favorites %s", s.fileName)
	}

	logging.Logger(ctx).Debugf("saved %d favorites to %s", len(list), s.fileName)
	return nil
}
