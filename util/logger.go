package util

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger. Debug mode switches to the
// development config (console encoder, debug level).
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
