package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// NewClient builds the HTTP client shared by the probe and all chunk workers
// of a transfer. It has no overall timeout; cancellation comes from the
// request context.
func NewClient(runtime *types.RuntimeConfig) *http.Client {
	maxConns := runtime.GetMaxConnectionsPerHost()

	transport := &http.Transport{
		MaxIdleConns:          types.DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   maxConns + 2, // Slightly more than max to handle bursts
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: types.DefaultExpectContinueTimeout,
		DisableCompression:    true, // byte offsets must match the entity on disk
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   types.DialTimeout,
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
		Proxy: http.ProxyFromEnvironment,
	}

	if runtime != nil && runtime.ProxyURL != "" {
		if err := configureProxy(transport, runtime.ProxyURL); err != nil {
			utils.Debug("Invalid proxy %s, using environment: %v", runtime.ProxyURL, err)
		}
	}

	if runtime != nil && runtime.SkipTLSVerification {
		utils.Debug("TLS verification disabled")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: preserveHeadersOnRedirect,
	}
}

func configureProxy(transport *http.Transport, rawProxy string) error {
	parsed, err := url.Parse(rawProxy)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(parsed.Scheme, "socks5") {
		transport.Proxy = http.ProxyURL(parsed)
		return nil
	}

	var auth *proxy.Auth
	if parsed.User != nil {
		pw, _ := parsed.User.Password()
		auth = &proxy.Auth{User: parsed.User.Username(), Password: pw}
	}
	dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
	if err != nil {
		return fmt.Errorf("socks5 dialer: %w", err)
	}
	transport.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	utils.Debug("Using SOCKS5 proxy: %s", parsed.Host)
	return nil
}

// preserveHeadersOnRedirect copies the caller's headers (cookies, auth) onto
// redirected requests, except Range which each request sets itself.
func preserveHeadersOnRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if len(via) > 0 {
		for key, vals := range via[0].Header {
			if key == "Range" {
				continue
			}
			req.Header[key] = vals
		}
	}
	return nil
}

// ApplyHeaders sets the request's custom headers, skipping Range, and fills
// in the User-Agent when the caller did not supply one.
func ApplyHeaders(req *http.Request, headers map[string]string, runtime *types.RuntimeConfig) {
	for key, val := range headers {
		if http.CanonicalHeaderKey(key) == "Range" {
			continue
		}
		req.Header.Set(key, val)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", runtime.GetUserAgent())
	}
}
