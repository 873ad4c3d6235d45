// Package store persists the paired peer identity and PIN configuration.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// Record is the on-disk document.
type Record struct {
	BondedAddress string         `toml:"bonded_address"`
	Security      link.PinConfig `toml:"security"`
}

// File is a TOML backed link.PeerStore. Every mutation rewrites the file
// through a temp file and rename.
type File struct {
	mu   sync.Mutex
	path string
	rec  Record
}

var _ link.PeerStore = (*File)(nil)

// Open reads path if it exists. A missing file is an empty store.
func Open(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	f := &File{path: path, rec: Record{Security: link.PinConfig{Pin: link.DefaultPin}}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug().Str("path", path).Msg("store.File no existing store; starting empty")
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("store load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &f.rec); err != nil {
		return nil, fmt.Errorf("store parse failed (%s): %w", path, err)
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) BondedAddress() (link.Address, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec.BondedAddress == "" {
		return "", false, nil
	}
	return link.ParseAddress(f.rec.BondedAddress), true, nil
}

func (f *File) SetBondedAddress(addr link.Address) error {
	return f.update(func(r *Record) { r.BondedAddress = addr.String() })
}

func (f *File) ClearBondedAddress() error {
	return f.update(func(r *Record) { r.BondedAddress = "" })
}

func (f *File) PinConfig() (link.PinConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec.Security, nil
}

func (f *File) SetPinConfig(cfg link.PinConfig) error {
	return f.update(func(r *Record) { r.Security = cfg })
}

func (f *File) update(fn func(*Record)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.rec
	fn(&next)
	if err := f.write(next); err != nil {
		return err
	}
	f.rec = next
	return nil
}

func (f *File) write(rec Record) error {
	data, err := toml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store encode failed: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store mkdir failed (%s): %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".chamctl-store-*")
	if err != nil {
		return fmt.Errorf("store temp failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store write failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store close failed: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store rename failed (%s): %w", f.path, err)
	}
	return nil
}

// Memory is an in-process link.PeerStore.
type Memory struct {
	mu  sync.Mutex
	rec Record
}

var _ link.PeerStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rec: Record{Security: link.PinConfig{Pin: link.DefaultPin}}}
}

func (m *Memory) BondedAddress() (link.Address, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return link.Address(m.rec.BondedAddress), m.rec.BondedAddress != "", nil
}

func (m *Memory) SetBondedAddress(addr link.Address) error {
	m.mu.Lock()
	m.rec.BondedAddress = addr.String()
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearBondedAddress() error {
	m.mu.Lock()
	m.rec.BondedAddress = ""
	m.mu.Unlock()
	return nil
}

func (m *Memory) PinConfig() (link.PinConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Security, nil
}

func (m *Memory) SetPinConfig(cfg link.PinConfig) error {
	m.mu.Lock()
	m.rec.Security = cfg
	m.mu.Unlock()
	return nil
}
