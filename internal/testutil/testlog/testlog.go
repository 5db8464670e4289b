// Package testlog wires zerolog into *testing.T so package tests get
// readable, correlated log output without every test constructing its own
// logger.
package testlog

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// writer adapts *testing.T into an io.Writer so zerolog output lands in
// `go test -v` output attributed to the right subtest.
type writer struct{ t *testing.T }

func (w writer) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// New returns a zerolog.Logger that writes through t.Log, tagged with the
// test's name.
func New(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(writer{t: t}).With().Str("test", t.Name()).Logger()
}

// Start logs a single start marker for t, useful in table-driven tests that
// want a visible boundary per subtest without carrying a logger around.
func Start(t *testing.T) {
	t.Helper()
	logger := New(t)
	logger.Info().Msg("test start")
}
