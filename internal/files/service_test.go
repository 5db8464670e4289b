package files

import (
	"context"
	"testing"
	"time"

	"github.com/edgemesh/rdt-gateway/internal/link"
	"github.com/edgemesh/rdt-gateway/internal/rdt"
	"github.com/edgemesh/rdt-gateway/internal/rro"
	"github.com/edgemesh/rdt-gateway/internal/testutil/testlog"
)

func fastRDTConfig() rdt.Config {
	cfg := rdt.DefaultConfig()
	cfg.AckTimeout = 15 * time.Millisecond
	cfg.TickInterval = 3 * time.Millisecond
	cfg.MaxRetry = 3
	return cfg
}

type servicePair struct {
	client *Service
	server *Service
}

func newServicePair(t *testing.T) servicePair {
	t.Helper()
	logger := testlog.New(t)

	addrA := link.Addr{0x01}
	addrB := link.Addr{0x02}
	simA := link.NewSimLink(addrA)
	simB := link.NewSimLink(addrB)
	link.Connect(simA, simB)

	cfg := fastRDTConfig()
	engA := rdt.NewEngine(cfg, simA, logger)
	engB := rdt.NewEngine(cfg, simB, logger)
	engA.SetPeer(addrB)
	engB.SetPeer(addrA)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engA.Run(ctx)
	go engB.Run(ctx)

	client := New(engA, rro.NewBroker(engA), 3, NewLocalStore(t.TempDir()), logger)
	go client.Run(ctx)

	server := New(engB, rro.NewBroker(engB), 3, NewLocalStore(t.TempDir()), logger)
	go server.Run(ctx)

	return servicePair{client: client, server: server}
}

func TestServiceWriteThenReadRoundTrip(t *testing.T) {
	p := newServicePair(t)

	wres, err := p.client.Write("/greeting.txt", 0, []byte("hello"), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if wres.Outcome != rro.OutcomeOK || wres.ReturnCode != CodeOK {
		t.Fatalf("unexpected write result: %+v", wres)
	}

	data, rres, err := p.client.Read("/greeting.txt", 0, 5, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rres.Outcome != rro.OutcomeOK || rres.ReturnCode != CodeOK {
		t.Fatalf("unexpected read result: %+v", rres)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
}

func TestServiceReadMissingFileReturnsNotFound(t *testing.T) {
	p := newServicePair(t)
	_, res, err := p.client.Read("/nope.txt", 0, 8, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Outcome != rro.OutcomeOK {
		t.Fatalf("expected the RESP frame to arrive, got outcome %v", res.Outcome)
	}
	if res.ReturnCode != CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %d", res.ReturnCode)
	}
}

func TestServiceReadEscapingPathReturnsInternal(t *testing.T) {
	p := newServicePair(t)
	_, res, err := p.client.Read("/../../etc/passwd", 0, 8, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Outcome != rro.OutcomeOK {
		t.Fatalf("expected the RESP frame to arrive, got outcome %v", res.Outcome)
	}
	if res.ReturnCode != CodeInternal {
		t.Fatalf("expected CodeInternal for a path escaping the store root, got %d", res.ReturnCode)
	}
}

func TestServiceListReturnsEntries(t *testing.T) {
	p := newServicePair(t)
	if _, err := p.client.Write("/a.txt", 0, []byte("x"), 200*time.Millisecond); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, res, err := p.client.List("/", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Outcome != rro.OutcomeOK || res.ReturnCode != CodeOK {
		t.Fatalf("unexpected list result: %+v", res)
	}
	found := false
	for _, e := range entries {
		if e == "a.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a.txt in listing, got %v", entries)
	}
}
