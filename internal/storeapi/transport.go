package storeapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// LoggingTransport wraps next with structured request logging.
func LoggingTransport(log *zap.Logger, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)

		// no bodies, no query strings: both carry account data
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("host", r.URL.Host),
			zap.String("path", r.URL.Path),
			zap.Duration("dur", time.Since(start)),
		}
		if err != nil {
			log.Warn("http", append(fields, zap.Error(err))...)
			return nil, err
		}
		log.Debug("http", append(fields, zap.Int("status", resp.StatusCode))...)
		return resp, nil
	})
}
