package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrConsultationNotFound is returned when no file exists for a call id.
var ErrConsultationNotFound = errors.New("consultation not found")

// FileStore writes one JSON document per call under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create consultations dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the consultations directory.
func (f *FileStore) Dir() string { return f.dir }

// Save overwrites <dir>/<callId>.json through a temp file and rename.
func (f *FileStore) Save(c Call) error {
	path, err := f.path(c.CallID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".consultation-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Load reads the stored record for callID.
func (f *FileStore) Load(callID string) (Call, error) {
	var c Call
	path, err := f.path(callID)
	if err != nil {
		return c, ErrConsultationNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, ErrConsultationNotFound
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode consultation %s: %w", callID, err)
	}
	return c, nil
}

func (f *FileStore) path(callID string) (string, error) {
	if !validID(callID) {
		return "", fmt.Errorf("invalid call id %q", callID)
	}
	return filepath.Join(f.dir, callID+".json"), nil
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}
