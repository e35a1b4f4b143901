package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Config holds configuration for the usage API handler
type Config struct {
	// Session is the engine session served by the handler (required)
	Session *gousage.Session

	// Metrics optionally restricts which metrics the usage view includes.
	// If nil, every metric is included.
	Metrics []gousage.Metric

	// OnError handles errors (bad input, backend failures, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger gousage.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Session == nil {
		return fmt.Errorf("session is required")
	}
	for _, m := range c.Metrics {
		if !m.Valid() {
			return fmt.Errorf("%w: %q", gousage.ErrInvalidMetric, m)
		}
	}
	return nil
}

// NewHandler creates a new usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(config.Metrics) == 0 {
		config.Metrics = gousage.AllMetrics
	}
	if config.Logger == nil {
		config.Logger = &gousage.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}
