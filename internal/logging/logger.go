// Package logging builds the process-wide structured logger and the
// header redaction helpers required by the error-handling design (§7).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the router's one *zap.Logger, constructed once at startup
// and passed down by construction to every subsystem (never looked up
// through a package-global).
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg.Build()
}

// RequestField returns the logging field that threads a request id
// through every log line touching that request.
func RequestField(requestID string) zap.Field {
	return zap.String("request_id", requestID)
}
