package downloader

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	KB = 1024
	MB = 1024 * KB
)

// Defaults used when no Settings value is supplied.
const (
	DefaultChunksPerTask = 4
	DefaultMinChunkSize  = 2 * MB
	DefaultWorkerBuffer  = 512 * KB

	defaultMaxChunkRetries = 3
	defaultMaxTaskRetries  = 2
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultSaveInterval    = 2 * time.Second

	ProbeTimeout = 10 * time.Second
)

// HTTP client tuning, mirroring a transport built for many parallel ranged GETs.
const (
	defaultMaxIdleConns          = 64
	defaultIdleConnTimeout       = 90 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
	dialTimeout                  = 15 * time.Second
	keepAliveDuration            = 30 * time.Second
)

var defaultUserAgent = "pkgdrop/1.0"

// newDownloadClient creates an http.Client tuned for concurrent chunk fetches.
// HTTP/1.1 is forced so each chunk gets its own TCP connection.
func newDownloadClient(maxConns int) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: maxConns + 2,
		MaxConnsPerHost:     maxConns,

		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: defaultExpectContinueTimeout,

		DisableCompression: true, // Vendor packages are already compressed
		ForceAttemptHTTP2:  false,
		TLSNextProto:       make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),

		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAliveDuration,
		}).DialContext,
	}

	return &http.Client{Transport: transport}
}
