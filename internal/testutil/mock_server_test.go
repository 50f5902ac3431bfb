package testutil

import (
	"bytes"
	"io"
	"net/http"
	"testing"
)

func TestMockServer_BasicDownload(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(256*1024))

	resp, err := http.Get(server.URL())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if !bytes.Equal(data, server.Data()) {
		t.Error("served body does not match Data()")
	}

	stats := server.Stats()
	if stats.TotalRequests != 1 || stats.FullRequests != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMockServer_RangeRequest(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(64*1024))

	req, _ := http.NewRequest(http.MethodGet, server.URL(), nil)
	req.Header.Set("Range", "bytes=1000-1999")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("Expected 206, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 1000-1999/65536" {
		t.Errorf("Content-Range: got %q", got)
	}

	data, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(data, server.Data()[1000:2000]) {
		t.Error("range body mismatch")
	}

	if starts := server.RangeStarts(); len(starts) != 1 || starts[0] != 1000 {
		t.Errorf("RangeStarts: got %v", starts)
	}
}

func TestMockServer_ProbeRangeNotRecorded(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(4096))

	req, _ := http.NewRequest(http.MethodGet, server.URL(), nil)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if len(server.RangeStarts()) != 0 {
		t.Errorf("probe range should not be recorded, got %v", server.RangeStarts())
	}
}

func TestMockServer_HeadRequest(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(4096), WithETag(`"v1"`))

	resp, err := http.Head(server.URL())
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.ContentLength != 4096 {
		t.Errorf("Content-Length: got %d", resp.ContentLength)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Error("expected Accept-Ranges: bytes")
	}
	if resp.Header.Get("ETag") != `"v1"` {
		t.Errorf("ETag: got %q", resp.Header.Get("ETag"))
	}
}

func TestMockServer_NoRangeSupport(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(4096), WithRangeSupport(false))

	head, err := http.Head(server.URL())
	if err != nil {
		t.Fatal(err)
	}
	_ = head.Body.Close()
	if head.Header.Get("Accept-Ranges") != "" {
		t.Error("HEAD should not advertise ranges")
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL(), nil)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 when ranges unsupported, got %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if len(data) != 4096 {
		t.Errorf("Expected full body, got %d bytes", len(data))
	}
}

func TestMockServer_HeadDisabled(t *testing.T) {
	server := NewMockServerT(t, WithHeadSupport(false))

	resp, err := http.Head(server.URL())
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestMockServer_FailOnNthRequest(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(1024), WithFailOnNthRequest(2))

	for i, want := range []int{http.StatusOK, http.StatusInternalServerError, http.StatusOK} {
		resp, err := http.Get(server.URL())
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("request %d: got %d, want %d", i+1, resp.StatusCode, want)
		}
	}
	if server.Stats().FailedRequests != 1 {
		t.Errorf("FailedRequests: got %d", server.Stats().FailedRequests)
	}
}

func TestMockServer_FailAfterBytesTruncates(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(128*1024), WithFailAfterBytes(1000))

	resp, err := http.Get(server.URL())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Error("expected truncated body error")
	}
	if len(data) != 1000 {
		t.Errorf("expected 1000 bytes before failure, got %d", len(data))
	}
}

func TestMockServer_Interceptor(t *testing.T) {
	server := NewMockServerT(t, WithInterceptor(func(w http.ResponseWriter, r *http.Request, reqNum int) bool {
		if reqNum == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	}))

	for _, want := range []int{http.StatusServiceUnavailable, http.StatusOK} {
		resp, err := http.Get(server.URL())
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("got %d, want %d", resp.StatusCode, want)
		}
	}
}

func TestMockServer_Reset(t *testing.T) {
	server := NewMockServerT(t, WithFileSize(1024))

	resp, err := http.Get(server.URL())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	server.Reset()
	if server.Stats() != (MockServerStats{}) {
		t.Errorf("expected zero stats after reset, got %+v", server.Stats())
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-99", 0, 99, false},
		{"bytes=100-", 100, 999, false},
		{"bytes=-100", 900, 999, false},
		{"bytes=900-5000", 900, 999, false},
		{"bytes=2000-", 0, 0, true},
		{"items=0-1", 0, 0, true},
	}
	for _, tt := range tests {
		start, end, err := ParseRange(tt.header, 1000)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.header)
			}
			continue
		}
		if err != nil || start != tt.start || end != tt.end {
			t.Errorf("%s: got (%d, %d, %v), want (%d, %d)", tt.header, start, end, err, tt.start, tt.end)
		}
	}
}
