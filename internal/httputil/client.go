package httputil

import (
	"net/http"
	"time"
)

// NewClient builds an HTTP client with pooled transport settings shared by
// every outbound integration (mail provider, payment gateway). Connection
// reuse matters here: mail sends cluster in bursts right after webhooks.
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
