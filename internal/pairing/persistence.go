package pairing

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edgemesh/rdt-gateway/internal/link"
)

// Persistence is the collaborator that stores the paired peer identity
// across restarts. SetPeer stages a candidate; Commit makes the
// staged value durable. The pairing state machine never calls Commit
// without having called SetPeer for the same address first, and reverts by
// calling SetPeer with the zero address.
type Persistence interface {
	SetPeer(addr link.Addr) error
	GetPeer() (link.Addr, bool)
	Commit() error
}

// MemoryPersistence is an in-process Persistence with no durability, useful
// for tests and for gateways that re-pair on every boot.
type MemoryPersistence struct {
	addr link.Addr
	set  bool
}

func NewMemoryPersistence() *MemoryPersistence { return &MemoryPersistence{} }

func (m *MemoryPersistence) SetPeer(addr link.Addr) error {
	m.addr = addr
	m.set = !addr.IsZero()
	return nil
}

func (m *MemoryPersistence) GetPeer() (link.Addr, bool) { return m.addr, m.set }

func (m *MemoryPersistence) Commit() error { return nil }

// FilePersistence stores the paired peer address as a single hex-encoded
// line in a file, written via a temp-file-then-rename so Commit is atomic
// even across a crash between write and rename.
type FilePersistence struct {
	path    string
	staged  link.Addr
	current link.Addr
	haveCur bool
}

// NewFilePersistence loads any existing peer identity from path (if the
// file does not exist, it starts Unpaired).
func NewFilePersistence(path string) (*FilePersistence, error) {
	fp := &FilePersistence{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fp, nil
		}
		return nil, fmt.Errorf("pairing: load peer file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != len(link.Addr{}) {
		return nil, fmt.Errorf("pairing: parse peer file: malformed contents")
	}
	var addr link.Addr
	copy(addr[:], raw)
	fp.current = addr
	fp.haveCur = !addr.IsZero()
	return fp, nil
}

func (f *FilePersistence) SetPeer(addr link.Addr) error {
	f.staged = addr
	return nil
}

func (f *FilePersistence) GetPeer() (link.Addr, bool) { return f.current, f.haveCur }

// Commit atomically writes the staged address to disk and makes it the
// current value.
func (f *FilePersistence) Commit() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	line := hex.EncodeToString(f.staged[:]) + "\n"
	if err := os.WriteFile(tmp, []byte(line), 0o600); err != nil {
		return fmt.Errorf("pairing: write staged peer: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("pairing: commit peer file: %w", err)
	}
	f.current = f.staged
	f.haveCur = !f.staged.IsZero()
	return nil
}
