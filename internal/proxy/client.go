// Package proxy moves bytes between the client and the upstream provider:
// one read loop, one write loop, a bounded channel between them, and
// fire-and-forget hook emission on the side.
package proxy

import (
	"net/http"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds one whole upstream exchange.
const DefaultRequestTimeout = 120 * time.Second

var (
	clientOnce   sync.Once
	sharedClient *http.Client
)

// SharedClient returns the process-wide upstream HTTP client. Connections
// are pooled per host; the client is safe for concurrent use.
func SharedClient() *http.Client {
	clientOnce.Do(func() {
		sharedClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				ForceAttemptHTTP2:     true,
			},
			// streaming bodies must not be cut off by a client timeout;
			// cancellation comes from the request context
		}
	})
	return sharedClient
}
