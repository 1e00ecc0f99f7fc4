package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// listenV4 binds an ephemeral IPv4 loopback port. Some sandboxes ship
// without a ::1 interface, which breaks httptest's default listener.
func listenV4() (net.Listener, error) {
	return net.Listen("tcp4", "127.0.0.1:0")
}

func startServer(ln net.Listener, handler http.Handler) *httptest.Server {
	srv := &httptest.Server{
		Listener: ln,
		Config:   &http.Server{Handler: handler},
	}
	srv.Start()
	return srv
}

// NewHTTPServer serves handler on an IPv4 loopback listener, falling back to
// the stock httptest server when the bind fails.
func NewHTTPServer(handler http.Handler) *httptest.Server {
	ln, err := listenV4()
	if err != nil {
		return httptest.NewServer(handler)
	}
	return startServer(ln, handler)
}

// NewHTTPServerT is NewHTTPServer for tests: instead of falling back it skips
// the test when no IPv4 listener is available.
func NewHTTPServerT(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := listenV4()
	if err != nil {
		t.Skipf("tcp4 listener unavailable: %v", err)
		return nil
	}
	return startServer(ln, handler)
}
