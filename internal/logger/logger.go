package logger

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	return SetupWriter(os.Stderr, dev)
}

// SetupWriter builds the logger used by the CLI, writing to w.
func SetupWriter(w io.Writer, dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

var _ http.RoundTripper = (*Transport)(nil)

// Transport logs every outbound request with its status and duration.
// The Authorization header is never logged.
type Transport struct {
	logger zerolog.Logger
	next   http.RoundTripper
}

// NewTransport wraps next, falling back to http.DefaultTransport when nil.
func NewTransport(logger zerolog.Logger, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{logger: logger, next: next}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()

	logger := t.logger.With().
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Str("path", req.URL.Path).
		Logger()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		logger.Warn().
			Err(err).
			Dur("duration", time.Since(started)).
			Msg("http call")

		return resp, err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("http call")

	return resp, nil
}
