package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTemp(t, `name = "edgemesh-1"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.RDT.AckTimeoutMS != 100 || cfg.RDT.MaxRetry != 5 {
		t.Fatalf("expected default RDT tuning, got %+v", cfg.RDT)
	}
	if cfg.Pairing.StateFile == "" || cfg.Files.StoreRoot == "" {
		t.Fatalf("expected default paths to be filled in, got %+v", cfg)
	}
	if len(cfg.SelfLinkAddr()) != 6 {
		t.Fatalf("expected a 6-byte self link addr, got %v", cfg.SelfLinkAddr())
	}
}

func TestLoadRejectsMalformedSelfAddr(t *testing.T) {
	path := writeTemp(t, `
name = "edgemesh-1"
self_addr = "not-hex"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected malformed self_addr to be rejected")
	}
}

func TestLoadRejectsDuplicateChannelNames(t *testing.T) {
	path := writeTemp(t, `
name = "edgemesh-1"
addr = ":9001"

[[rdt.channels]]
name = "system"
queue_depth = 5

[[rdt.channels]]
name = "system"
queue_depth = 5
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate channel name to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
