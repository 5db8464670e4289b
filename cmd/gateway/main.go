// Command gateway boots the RDT engine, pairing state machine, parameter
// registry, and file service, then serves them over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/edgemesh/rdt-gateway/internal/config"
	"github.com/edgemesh/rdt-gateway/internal/files"
	"github.com/edgemesh/rdt-gateway/internal/gateway"
	"github.com/edgemesh/rdt-gateway/internal/link"
	"github.com/edgemesh/rdt-gateway/internal/observability"
	"github.com/edgemesh/rdt-gateway/internal/pairing"
	"github.com/edgemesh/rdt-gateway/internal/params"
	"github.com/edgemesh/rdt-gateway/internal/rdt"
	"github.com/edgemesh/rdt-gateway/internal/rro"
)

// Channel assignment, matching rdt.DefaultConfig's per-channel block sizes:
// system/pairing, sensors (unused by this gateway), params, files.
const (
	channelSystem = 0
	channelParams = 2
	channelFiles  = 3
)

func main() {
	cfgPath := flag.String("config", "cmd/gateway/gateway.toml", "path to gateway TOML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}

	logger := observability.InitLogger(cfg.Name, cfg.SelfAddr)

	if err := runGateway(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("gateway exiting")
		os.Exit(1)
	}
}

// runGateway wires the transport stack and blocks serving HTTP until the
// process receives SIGINT/SIGTERM.
//
// The link.Port here is a self-contained loopback: radio bring-up is an
// external collaborator this repository does not implement. A real
// deployment swaps in a link.Port that drives the actual radio and drops
// this stand-in entirely.
func runGateway(cfg config.GatewayConfig, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self := cfg.SelfLinkAddr()
	port := link.NewSimLink(self)

	rdtCfg := rdt.DefaultConfig()
	rdtCfg.AckTimeout = cfg.RDT.AckTimeout()
	rdtCfg.TickInterval = cfg.RDT.TickInterval()
	rdtCfg.MaxRetry = cfg.RDT.MaxRetry
	rdtCfg.EventQueueDepth = cfg.RDT.EventQueueDepth
	for _, ch := range cfg.RDT.Channels {
		idx, ok := channelIndexByName(ch.Name)
		if !ok {
			logger.Warn().Str("channel", ch.Name).Msg("ignoring unknown channel in config")
			continue
		}
		if ch.MaxBlockSize > 0 {
			rdtCfg.MaxBlockSize[idx] = ch.MaxBlockSize
		}
	}

	engine := rdt.NewEngine(rdtCfg, port, logger)

	persist, err := pairing.NewFilePersistence(cfg.Pairing.StateFile)
	if err != nil {
		return fmt.Errorf("gateway: pairing persistence: %w", err)
	}
	if peer, ok := persist.GetPeer(); ok {
		engine.SetPeer(peer)
		logger.Info().Str("peer", fmt.Sprintf("%x", peer)).Msg("restored paired peer from disk")
	}
	pm := pairing.New(port, engine, persist, self, channelSystem, logger)

	broker := rro.NewBroker(engine)
	registry := params.New(engine, broker, channelParams, logger)
	fileSvc := files.New(engine, broker, channelFiles, files.NewLocalStore(cfg.Files.StoreRoot), logger)

	go engine.Run(ctx)
	go registry.Run(ctx)
	go fileSvc.Run(ctx)

	gw := gateway.New(cfg.Name, cfg.Addr, cfg.CorsOrigins, engine, pm, registry, fileSvc, logger)

	logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("gateway shutdown requested")
		return nil
	case err := <-errCh:
		return err
	}
}

func channelIndexByName(name string) (int, bool) {
	switch name {
	case "system":
		return 0, true
	case "sensors":
		return 1, true
	case "params":
		return 2, true
	case "files":
		return 3, true
	default:
		return 0, false
	}
}
