package httputil

import (
	"net/http"
	"time"
)

// NewClient builds an HTTP client with connection reuse tuned for repeated
// calls to a small set of hosts, which is the shape of this service's
// outbound traffic (escrow event callbacks and the Stripe API).
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
