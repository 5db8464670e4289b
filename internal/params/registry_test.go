package params

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

type registryPair struct {
	client *Registry
	server *Registry
}

func newRegistryPair(t *testing.T) registryPair {
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

	client := New(engA, rro.NewBroker(engA), 2, logger)
	go client.Run(ctx)

	server := New(engB, rro.NewBroker(engB), 2, logger)
	go server.Run(ctx)

	return registryPair{client: client, server: server}
}

func TestRegistryGetRoundTrips(t *testing.T) {
	p := newRegistryPair(t)
	p.server.Register(10, func(buf []byte) (int, uint8) {
		return copy(buf, []byte{0x01, 0x02, 0x03}), CodeOK
	}, nil)

	buf := make([]byte, MaxPayload)
	res, err := p.client.Get(10, buf, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Outcome != rro.OutcomeOK {
		t.Fatalf("expected ok outcome, got %v", res.Outcome)
	}
	if res.ReturnCode != CodeOK {
		t.Fatalf("expected return code 0, got %d", res.ReturnCode)
	}
	if res.BytesWritten != 3 || buf[0] != 0x01 || buf[1] != 0x02 || buf[2] != 0x03 {
		t.Fatalf("unexpected payload: %v (n=%d)", buf[:res.BytesWritten], res.BytesWritten)
	}
}

func TestRegistrySetRoundTrips(t *testing.T) {
	p := newRegistryPair(t)
	var got []byte
	p.server.Register(11, nil, func(data []byte) uint8 {
		got = append([]byte{}, data...)
		return CodeOK
	})

	res, err := p.client.Set(11, []byte{0xAA, 0xBB}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if res.Outcome != rro.OutcomeOK || res.ReturnCode != CodeOK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(got) != 2 || got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("write callback did not observe the set payload: %v", got)
	}
}

func TestRegistryGetUnknownTypeReturnsCode(t *testing.T) {
	p := newRegistryPair(t)
	buf := make([]byte, MaxPayload)
	res, err := p.client.Get(99, buf, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Outcome != rro.OutcomeOK {
		t.Fatalf("expected the RESP frame itself to arrive ok, got %v", res.Outcome)
	}
	if res.ReturnCode != CodeUnknownType {
		t.Fatalf("expected CodeUnknownType, got %d", res.ReturnCode)
	}
}

func TestRegistryGetWithNoReaderReturnsCode(t *testing.T) {
	p := newRegistryPair(t)
	p.server.Register(12, nil, func(data []byte) uint8 { return CodeOK })

	buf := make([]byte, MaxPayload)
	res, err := p.client.Get(12, buf, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.ReturnCode != CodeNoReader {
		t.Fatalf("expected CodeNoReader, got %d", res.ReturnCode)
	}
}
