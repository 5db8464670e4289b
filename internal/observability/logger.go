package observability

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process-wide structured logger. Every event carries
// the gateway's name and its link-layer self address, so log lines from
// more than one gateway sharing a collector can be told apart without
// grepping through hostnames.
//
// Output format follows gin's own dev/production split (GIN_MODE): a
// human-readable console writer in debug/test mode, and zerolog's native
// JSON straight to stdout in release mode, so log shipping doesn't have to
// parse the console format in a deployed gateway.
func InitLogger(name, selfAddr string) zerolog.Logger {
	var output io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	if gin.Mode() == gin.ReleaseMode {
		output = os.Stdout
	}
	logger := zerolog.New(output).With().
		Timestamp().
		Str("gateway", name).
		Str("self_addr", selfAddr).
		Logger()
	log.Logger = logger
	return logger
}
