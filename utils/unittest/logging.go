package unittest

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var verbose = flag.Bool("vv", false, "emit test logs to stderr")

// Logger returns the logger the sidecar's tests hand to engines and
// modules. Output is swallowed unless the -vv flag is passed, so a
// failing run can be replayed with full debug logs.
func Logger() zerolog.Logger {
	writer := io.Discard
	if *verbose {
		writer = os.Stderr
	}
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	return zerolog.New(writer).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}
