package pairing

import (
	"path/filepath"
	"testing"

	"github.com/edgemesh/rdt-gateway/internal/link"
)

func TestFilePersistenceCommitThenReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.hex")
	fp, err := NewFilePersistence(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := fp.GetPeer(); ok {
		t.Fatalf("expected no peer before commit")
	}

	addr := link.Addr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if err := fp.SetPeer(addr); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := fp.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, ok := fp.GetPeer()
	if !ok || got != addr {
		t.Fatalf("expected committed peer %v, got %v (ok=%v)", addr, got, ok)
	}

	reloaded, err := NewFilePersistence(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok = reloaded.GetPeer()
	if !ok || got != addr {
		t.Fatalf("expected reloaded peer %v, got %v (ok=%v)", addr, got, ok)
	}
}

func TestFilePersistenceMissingFileStartsUnpaired(t *testing.T) {
	fp, err := NewFilePersistence(filepath.Join(t.TempDir(), "does-not-exist.hex"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := fp.GetPeer(); ok {
		t.Fatalf("expected unpaired for missing file")
	}
}

func TestFilePersistenceRevertWritesZeroAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.hex")
	fp, err := NewFilePersistence(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr := link.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	_ = fp.SetPeer(addr)
	_ = fp.Commit()

	if err := fp.SetPeer(link.Addr{}); err != nil {
		t.Fatalf("set zero: %v", err)
	}
	if err := fp.Commit(); err != nil {
		t.Fatalf("commit zero: %v", err)
	}
	if _, ok := fp.GetPeer(); ok {
		t.Fatalf("expected reverted persistence to report unpaired")
	}
}
