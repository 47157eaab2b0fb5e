package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Instance is the persistent identity of one installation. The ID lets a
// daemon recognize its own mDNS advertisement and refuse to dial itself.
type Instance struct {
	ID        string    `toml:"id"`
	CreatedAt time.Time `toml:"created_at"`
}

// LoadOrCreateInstance reads the instance file, creating it on first run.
func LoadOrCreateInstance(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var inst Instance
		if _, err := toml.Decode(string(data), &inst); err != nil {
			return nil, fmt.Errorf("parse instance file: %w", err)
		}
		if _, err := uuid.Parse(inst.ID); err != nil {
			return nil, fmt.Errorf("invalid instance id %q: %w", inst.ID, err)
		}
		return &inst, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read instance file: %w", err)
	}

	inst := &Instance{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create instance file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(inst); err != nil {
		return nil, fmt.Errorf("encode instance file: %w", err)
	}

	return inst, nil
}
