package protection

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// FileStore persists the protection level as a small JSON state file,
// read at boot and written on every level change.
type FileStore struct {
	Path string
}

type stateFile struct {
	ProtectionLevel int `json:"protection_level"`
}

// NewFileStore creates a file store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load implements Store. A missing file means no persisted level.
func (fs *FileStore) Load() (int, error) {
	data, err := os.ReadFile(fs.Path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, err
	}
	return st.ProtectionLevel, nil
}

// Save implements Store. The write goes through a temp file and rename so
// a crash mid-write cannot corrupt the state.
func (fs *FileStore) Save(level int) error {
	if err := os.MkdirAll(filepath.Dir(fs.Path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(stateFile{ProtectionLevel: level})
	if err != nil {
		return err
	}
	tmp := fs.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fs.Path)
}
