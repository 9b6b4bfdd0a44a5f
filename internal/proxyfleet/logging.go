package proxyfleet

import "go.uber.org/zap"

// NewLogger builds the process logger: zap.NewProduction by default,
// zap.NewDevelopment under --debug.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
