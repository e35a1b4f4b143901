package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Config holds configuration for the REST backend client
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com/v1 (required)
	BaseURL string

	// Token is sent as a bearer token when set
	Token string

	// Timeout bounds each request when HTTPClient is nil (default: 10s)
	Timeout time.Duration

	// HTTPClient overrides the client used for requests
	HTTPClient *http.Client

	// UserAgent is sent with every request (default: "gousage")
	UserAgent string

	Logger gousage.Logger
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("rest backend: base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("rest backend: invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("rest backend: base URL must be http or https, got %q", u.Scheme)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("rest backend: timeout must be non-negative")
	}
	return nil
}
