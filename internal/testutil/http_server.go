package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// startIPv4 binds to 127.0.0.1 so sandboxes without IPv6 listeners still work.
func startIPv4(handler http.Handler) (*httptest.Server, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv := &httptest.Server{
		Listener: ln,
		Config:   &http.Server{Handler: handler},
	}
	srv.Start()
	return srv, nil
}

// NewHTTPServer starts an httptest server, preferring an IPv4 listener.
func NewHTTPServer(handler http.Handler) *httptest.Server {
	srv, err := startIPv4(handler)
	if err != nil {
		return httptest.NewServer(handler)
	}
	return srv
}

// NewHTTPServerT starts an IPv4 httptest server and skips the test if binding fails.
func NewHTTPServerT(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv, err := startIPv4(handler)
	if err != nil {
		t.Skipf("tcp4 listener unavailable: %v", err)
		return nil
	}
	return srv
}
