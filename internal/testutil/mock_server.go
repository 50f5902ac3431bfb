// Package testutil provides HTTP fixtures for transfer engine tests.
package testutil

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Interceptor may take over a request before the mock serves it. It returns
// true when it has written a response. reqNum counts GET requests from 1.
type Interceptor func(w http.ResponseWriter, r *http.Request, reqNum int) bool

// MockServer is a configurable HTTP test server for transfer testing.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize         int64         // Size of the served file
	SupportsRanges   bool          // Whether to honour HTTP Range requests
	SupportsHead     bool          // When false, HEAD gets 405
	ContentType      string        // Content-Type header value
	Filename         string        // Filename in Content-Disposition header
	ETag             string        // ETag header value, empty for none
	RandomData       bool          // If true, serve random data; otherwise a repeating pattern
	Latency          time.Duration // Artificial latency per request
	ByteLatency      time.Duration // Latency per 32KB block served
	FailAfterBytes   int64         // Drop the connection after this many bytes (0 = no fail)
	FailOnNthRequest int           // Answer the Nth GET with 500 (0 = don't fail)

	// Tracking
	RequestCount   atomic.Int64
	HeadRequests   atomic.Int64
	BytesServed    atomic.Int64
	RangeRequests  atomic.Int64
	FullRequests   atomic.Int64
	FailedRequests atomic.Int64

	mu          sync.Mutex
	getCount    int
	rangeStarts []int64

	data        []byte
	interceptor Interceptor
}

// MockServerOption is a function that configures a MockServer.
type MockServerOption func(*MockServer)

// WithInterceptor installs a hook that runs before every GET.
func WithInterceptor(i Interceptor) MockServerOption {
	return func(m *MockServer) {
		m.interceptor = i
	}
}

// WithFileSize sets the file size to serve.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) {
		m.FileSize = size
	}
}

// WithRangeSupport enables or disables Range request support.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) {
		m.SupportsRanges = enabled
	}
}

// WithHeadSupport enables or disables HEAD handling.
func WithHeadSupport(enabled bool) MockServerOption {
	return func(m *MockServer) {
		m.SupportsHead = enabled
	}
}

// WithContentType sets the Content-Type header.
func WithContentType(ct string) MockServerOption {
	return func(m *MockServer) {
		m.ContentType = ct
	}
}

// WithFilename sets the filename in Content-Disposition header.
func WithFilename(name string) MockServerOption {
	return func(m *MockServer) {
		m.Filename = name
	}
}

// WithETag sets the ETag validator.
func WithETag(tag string) MockServerOption {
	return func(m *MockServer) {
		m.ETag = tag
	}
}

// WithRandomData enables serving random bytes.
func WithRandomData(random bool) MockServerOption {
	return func(m *MockServer) {
		m.RandomData = random
	}
}

// WithLatency adds artificial latency per request.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.Latency = d
	}
}

// WithByteLatency adds artificial latency per block served.
func WithByteLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.ByteLatency = d
	}
}

// WithFailAfterBytes causes each response to stop after serving N bytes.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) {
		m.FailAfterBytes = n
	}
}

// WithFailOnNthRequest causes the Nth GET to fail.
func WithFailOnNthRequest(n int) MockServerOption {
	return func(m *MockServer) {
		m.FailOnNthRequest = n
	}
}

func newMock(opts []MockServerOption) *MockServer {
	m := &MockServer{
		FileSize:       1024 * 1024, // 1MB default
		SupportsRanges: true,
		SupportsHead:   true,
		ContentType:    "application/octet-stream",
		Filename:       "testfile.bin",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.data = make([]byte, m.FileSize)
	if m.RandomData {
		_, _ = rand.Read(m.data)
	} else {
		// Position-dependent pattern so misplaced chunks are detectable
		for i := range m.data {
			m.data[i] = byte((i*31 + i/251) % 251)
		}
	}
	return m
}

// NewMockServer creates a new mock HTTP server with the given options.
func NewMockServer(opts ...MockServerOption) *MockServer {
	m := newMock(opts)
	m.Server = NewHTTPServer(http.HandlerFunc(m.handleRequest))
	return m
}

// NewMockServerT creates a new mock HTTP server, skips the test if binding
// fails, and closes it on cleanup.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := newMock(opts)
	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// URL returns the server's URL for the served file.
func (m *MockServer) URL() string {
	return m.Server.URL + "/" + m.Filename
}

// Data returns the payload the server serves.
func (m *MockServer) Data() []byte {
	return m.data
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	if m.Server != nil {
		m.Server.Close()
	}
}

// RangeStarts returns the sorted start offsets of all ranged GETs, excluding
// probes for bytes=0-0.
func (m *MockServer) RangeStarts() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]int64(nil), m.rangeStarts...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset clears all tracking counters.
func (m *MockServer) Reset() {
	m.RequestCount.Store(0)
	m.HeadRequests.Store(0)
	m.BytesServed.Store(0)
	m.RangeRequests.Store(0)
	m.FullRequests.Store(0)
	m.FailedRequests.Store(0)
	m.mu.Lock()
	m.getCount = 0
	m.rangeStarts = nil
	m.mu.Unlock()
}

// Stats returns a summary of server statistics.
func (m *MockServer) Stats() MockServerStats {
	return MockServerStats{
		TotalRequests:  m.RequestCount.Load(),
		HeadRequests:   m.HeadRequests.Load(),
		BytesServed:    m.BytesServed.Load(),
		RangeRequests:  m.RangeRequests.Load(),
		FullRequests:   m.FullRequests.Load(),
		FailedRequests: m.FailedRequests.Load(),
	}
}

// MockServerStats contains server statistics.
type MockServerStats struct {
	TotalRequests  int64
	HeadRequests   int64
	BytesServed    int64
	RangeRequests  int64
	FullRequests   int64
	FailedRequests int64
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if r.Method == http.MethodHead {
		m.HeadRequests.Add(1)
		if !m.SupportsHead {
			http.Error(w, "HEAD not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.setCommonHeaders(w, m.FileSize)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	m.mu.Lock()
	m.getCount++
	reqNum := m.getCount
	m.mu.Unlock()

	if m.interceptor != nil && m.interceptor(w, r, reqNum) {
		return
	}

	if m.FailOnNthRequest > 0 && reqNum == m.FailOnNthRequest {
		m.FailedRequests.Add(1)
		http.Error(w, "Simulated failure", http.StatusInternalServerError)
		return
	}

	rangeHeader := r.Header.Get("Range")
	start := int64(0)
	end := m.FileSize - 1

	if rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)

		var err error
		start, end, err = ParseRange(rangeHeader, m.FileSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.FileSize))
			http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if rangeHeader != "bytes=0-0" {
			m.mu.Lock()
			m.rangeStarts = append(m.rangeStarts, start)
			m.mu.Unlock()
		}

		m.setCommonHeaders(w, end-start+1)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		m.setCommonHeaders(w, m.FileSize)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	m.serve(w, r, start, end)
}

func (m *MockServer) serve(w http.ResponseWriter, r *http.Request, start, end int64) {
	length := end - start + 1
	written := int64(0)

	// Write in blocks to support byte latency and fail-after-bytes
	block := int64(32 * 1024)
	for written < length {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			m.FailedRequests.Add(1)
			// Hijack so the client sees a truncated body instead of a clean end
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			return
		}
		if r.Context().Err() != nil {
			return
		}

		n := block
		if remaining := length - written; remaining < n {
			n = remaining
		}
		if m.FailAfterBytes > 0 && written+n > m.FailAfterBytes {
			n = m.FailAfterBytes - written
		}

		from := start + written
		c, err := w.Write(m.data[from : from+n])
		if err != nil {
			return // Client disconnected
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		written += int64(c)
		m.BytesServed.Add(int64(c))

		if m.ByteLatency > 0 {
			time.Sleep(m.ByteLatency)
		}
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, contentLength int64) {
	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(contentLength, 10))
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}
	if m.ETag != "" {
		w.Header().Set("ETag", m.ETag)
	}
}

// ParseRange parses an HTTP Range header and returns start, end positions.
// Handles formats like "bytes=0-499", "bytes=500-" and "bytes=-500".
func ParseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}

	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.Split(rangeSpec, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error

	if parts[0] == "" {
		// Suffix range: -500 means last 500 bytes
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}

		if parts[1] == "" {
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
			if end >= fileSize {
				end = fileSize - 1
			}
		}
	}

	if start < 0 || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}

	return start, end, nil
}
