// Package gateway exposes the RDT engine, pairing state machine, parameter
// registry, and file service over HTTP: the operator surface a fleet
// dashboard or CLI drives instead of talking the wire protocol directly.
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edgemesh/rdt-gateway/internal/files"
	"github.com/edgemesh/rdt-gateway/internal/link"
	"github.com/edgemesh/rdt-gateway/internal/observability"
	"github.com/edgemesh/rdt-gateway/internal/pairing"
	"github.com/edgemesh/rdt-gateway/internal/params"
	"github.com/edgemesh/rdt-gateway/internal/rdt"
	"github.com/edgemesh/rdt-gateway/internal/rro"
)

const defaultCallTimeout = 500 * time.Millisecond

// Gateway wires the transport/protocol stack to a gin.Engine.
type Gateway struct {
	ID       string
	Addr     string
	Appeared time.Time

	engine   *rdt.Engine
	pairing  *pairing.Machine
	pairCtx  context.Context
	pairStop context.CancelFunc
	registry *params.Registry
	files    *files.Service
	log      zerolog.Logger

	router *gin.Engine
}

// New constructs a Gateway. All of engine/pairingMachine/registry/fileSvc
// must already be running (their Run loops started elsewhere); the Gateway
// only issues blocking calls against them.
func New(id, addr string, corsOrigins []string, engine *rdt.Engine, pm *pairing.Machine, registry *params.Registry, fileSvc *files.Service, logger zerolog.Logger) *Gateway {
	observability.RegisterMetrics()
	registerOrSkip(observability.NewRDTCollector(id, engine.Metrics().Snapshot))
	registerOrSkip(observability.NewPairingCollector(func() int { return int(pm.Status()) }))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g := &Gateway{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		engine:   engine,
		pairing:  pm,
		registry: registry,
		files:    fileSvc,
		log:      logger.With().Str("component", "gateway").Logger(),
		router:   r,
	}
	g.registerRoutes()
	return g
}

// Serve blocks running the HTTP server.
func (g *Gateway) Serve() error {
	return g.router.Run(g.Addr)
}

// Router exposes the underlying gin.Engine, primarily for tests.
func (g *Gateway) Router() *gin.Engine {
	return g.router
}

func (g *Gateway) registerRoutes() {
	g.router.GET("/healthz", g.handleHealth)
	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.router.POST("/pairing/start", g.handlePairingStart)
	g.router.GET("/pairing/status", g.handlePairingStatus)
	g.router.POST("/pairing/cancel", g.handlePairingCancel)

	g.router.GET("/params/:type", g.handleParamGet)
	g.router.PUT("/params/:type", g.handleParamSet)

	g.router.GET("/files", g.handleFilesList)
	g.router.GET("/files/read", g.handleFilesRead)
	g.router.POST("/files/write", g.handleFilesWrite)
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(g.Appeared).String(),
		"gateway": g.ID,
		"peer":    hexAddr(g.engine.Peer()),
	})
}

func (g *Gateway) handlePairingStart(c *gin.Context) {
	if g.pairing.Status() == pairing.PairingActive {
		c.JSON(http.StatusConflict, gin.H{"error": "pairing already in progress"})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.pairCtx, g.pairStop = ctx, cancel

	go func() {
		status := g.pairing.Start(ctx)
		g.log.Info().Str("status", status.String()).Msg("pairing attempt finished")
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": pairing.PairingActive.String()})
}

func (g *Gateway) handlePairingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": g.pairing.Status().String(),
		"peer":   hexAddr(g.engine.Peer()),
	})
}

func (g *Gateway) handlePairingCancel(c *gin.Context) {
	if g.pairStop == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no pairing attempt in progress"})
		return
	}
	g.pairStop()
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (g *Gateway) handleParamGet(c *gin.Context) {
	mt, err := parseByteParam(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	buf := make([]byte, params.MaxPayload)
	res, err := g.registry.Get(mt, buf, defaultCallTimeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	writeBrokerResult(c, res, hex.EncodeToString(buf[:res.BytesWritten]))
}

func (g *Gateway) handleParamSet(c *gin.Context) {
	mt, err := parseByteParam(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var body struct {
		ValueHex string `json:"value_hex"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, err := hex.DecodeString(body.ValueHex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value_hex is not valid hex"})
		return
	}
	res, err := g.registry.Set(mt, value, defaultCallTimeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	writeBrokerResult(c, res, "")
}

func (g *Gateway) handleFilesList(c *gin.Context) {
	dir := c.DefaultQuery("dir", "/")
	entries, res, err := g.files.List(dir, defaultCallTimeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if res.Outcome != rro.OutcomeOK {
		writeBrokerResult(c, res, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"return_code": res.ReturnCode, "entries": entries})
}

func (g *Gateway) handleFilesRead(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	offset, _ := strconv.ParseUint(c.DefaultQuery("offset", "0"), 10, 32)
	length, _ := strconv.ParseUint(c.DefaultQuery("length", strconv.Itoa(files.MaxDataLen)), 10, 32)

	data, res, err := g.files.Read(path, uint32(offset), uint32(length), defaultCallTimeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	writeBrokerResult(c, res, hex.EncodeToString(data))
}

func (g *Gateway) handleFilesWrite(c *gin.Context) {
	var body struct {
		Path    string `json:"path"`
		Offset  uint32 `json:"offset"`
		Append  bool   `json:"append"`
		DataHex string `json:"data_hex"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := hex.DecodeString(body.DataHex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data_hex is not valid hex"})
		return
	}
	offset := body.Offset
	if body.Append {
		offset = files.AppendOffset
	}
	res, err := g.files.Write(body.Path, offset, data, defaultCallTimeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	writeBrokerResult(c, res, "")
}

func parseByteParam(raw string) (uint8, error) {
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, errors.New("type must be a uint8")
	}
	return uint8(v), nil
}

func writeBrokerResult(c *gin.Context, res rro.Result, dataHex string) {
	switch res.Outcome {
	case rro.OutcomeOK:
		c.JSON(http.StatusOK, gin.H{"return_code": res.ReturnCode, "data_hex": dataHex})
	case rro.OutcomeTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out waiting for response"})
	case rro.OutcomeMutexUnavailable:
		c.JSON(http.StatusConflict, gin.H{"error": "timed out waiting for the channel to free up"})
	case rro.OutcomeAnotherInProgress:
		c.JSON(http.StatusConflict, gin.H{"error": "another request is already in flight on this channel"})
	case rro.OutcomeSendFailed:
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to submit request to link"})
	case rro.OutcomeNotInitialized:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not initialized"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown broker outcome"})
	}
}

func hexAddr(a link.Addr) string {
	return hex.EncodeToString(a[:])
}

// registerOrSkip registers c with the default Prometheus registerer,
// tolerating a duplicate registration (e.g. from constructing more than one
// Gateway against the same process registry in tests).
func registerOrSkip(c prometheus.Collector) {
	if err := prometheus.Register(c); err != nil {
		if _, dup := err.(prometheus.AlreadyRegisteredError); !dup {
			panic(err)
		}
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
