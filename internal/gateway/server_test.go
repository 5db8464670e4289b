package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edgemesh/rdt-gateway/internal/files"
	"github.com/edgemesh/rdt-gateway/internal/link"
	"github.com/edgemesh/rdt-gateway/internal/pairing"
	"github.com/edgemesh/rdt-gateway/internal/params"
	"github.com/edgemesh/rdt-gateway/internal/rdt"
	"github.com/edgemesh/rdt-gateway/internal/rro"
)

func fastGatewayTestConfig() rdt.Config {
	cfg := rdt.DefaultConfig()
	cfg.AckTimeout = 15 * time.Millisecond
	cfg.TickInterval = 3 * time.Millisecond
	cfg.MaxRetry = 3
	return cfg
}

// newUnpairedGateway wires a Gateway to an engine with no live peer, for
// exercising routes whose broker calls are expected to time out.
func newUnpairedGateway(t *testing.T) *Gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zerolog.Nop()
	sim := link.NewSimLink(link.Addr{0x01})
	cfg := fastGatewayTestConfig()
	engine := rdt.NewEngine(cfg, sim, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	broker := rro.NewBroker(engine)
	registry := params.New(engine, broker, 2, logger)
	fileSvc := files.New(engine, broker, 3, files.NewLocalStore(t.TempDir()), logger)
	persist := pairing.NewMemoryPersistence()
	pm := pairing.New(sim, engine, persist, link.Addr{0x01}, 0, logger)

	return New("test-gateway", ":0", nil, engine, pm, registry, fileSvc, logger)
}

// pairedFixture wires a Gateway's engine to a second, "device-side" engine
// over a connected SimLink, with the device side running its own registry
// and file service so client calls actually get answered.
type pairedFixture struct {
	gateway  *Gateway
	deviceFS *files.Service
}

func newPairedGateway(t *testing.T) pairedFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zerolog.Nop()
	addrGW := link.Addr{0x01}
	addrDev := link.Addr{0x02}
	simGW := link.NewSimLink(addrGW)
	simDev := link.NewSimLink(addrDev)
	link.Connect(simGW, simDev)

	cfg := fastGatewayTestConfig()
	engGW := rdt.NewEngine(cfg, simGW, logger)
	engDev := rdt.NewEngine(cfg, simDev, logger)
	engGW.SetPeer(addrDev)
	engDev.SetPeer(addrGW)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engGW.Run(ctx)
	go engDev.Run(ctx)

	gwBroker := rro.NewBroker(engGW)
	gwRegistry := params.New(engGW, gwBroker, 2, logger)
	go gwRegistry.Run(ctx)
	gwFiles := files.New(engGW, gwBroker, 3, files.NewLocalStore(t.TempDir()), logger)
	go gwFiles.Run(ctx)

	devBroker := rro.NewBroker(engDev)
	devRegistry := params.New(engDev, devBroker, 2, logger)
	devRegistry.Register(20, func(buf []byte) (int, uint8) {
		return copy(buf, []byte{0xE8, 0x07}), 0
	}, func(data []byte) uint8 {
		return 0
	})
	go devRegistry.Run(ctx)

	devFiles := files.New(engDev, devBroker, 3, files.NewLocalStore(t.TempDir()), logger)
	go devFiles.Run(ctx)

	persist := pairing.NewMemoryPersistence()
	pm := pairing.New(simGW, engGW, persist, addrGW, 0, logger)

	gw := New("test-gateway", ":0", nil, engGW, pm, gwRegistry, gwFiles, logger)
	return pairedFixture{gateway: gw, deviceFS: devFiles}
}

func TestHealthzReportsStatus(t *testing.T) {
	g := newUnpairedGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPairingStatusDefaultsUnpaired(t *testing.T) {
	g := newUnpairedGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/pairing/status", nil)
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unpaired") {
		t.Fatalf("expected unpaired status in body, got %s", w.Body.String())
	}
}

func TestParamGetTimesOutWithNoPeer(t *testing.T) {
	g := newUnpairedGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/params/20", nil)
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 (no peer configured), got %d: %s", w.Code, w.Body.String())
	}
}

func TestParamGetRoundTripsThroughPeer(t *testing.T) {
	f := newPairedGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/params/20", nil)
	w := httptest.NewRecorder()
	f.gateway.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "e807") {
		t.Fatalf("expected response to carry the device's little-endian value, got %s", w.Body.String())
	}
}

func TestFilesWriteThenReadRoundTrip(t *testing.T) {
	f := newPairedGateway(t)

	writeReq := httptest.NewRequest(http.MethodPost, "/files/write", strings.NewReader(
		`{"path":"/greeting.txt","offset":0,"data_hex":"68656c6c6f"}`))
	writeReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.gateway.Router().ServeHTTP(w, writeReq)
	if w.Code != http.StatusOK {
		t.Fatalf("expected write 200, got %d: %s", w.Code, w.Body.String())
	}

	readReq := httptest.NewRequest(http.MethodGet, "/files/read?path=/greeting.txt&length=5", nil)
	w = httptest.NewRecorder()
	f.gateway.Router().ServeHTTP(w, readReq)
	if w.Code != http.StatusOK {
		t.Fatalf("expected read 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "68656c6c6f") {
		t.Fatalf("expected round-tripped hex payload, got %s", w.Body.String())
	}
}
