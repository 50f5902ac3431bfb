package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// ProbeResult contains all metadata from server probe
type ProbeResult struct {
	FileSize      int64 // -1 when unknown
	SupportsRange bool
	Filename      string
	ContentType   string
	ETag          string
	LastModified  string
}

// probeAttempts bounds retries of the probe on transport errors.
const probeAttempts = 3

// ProbeServer asks the server for the file's size, range capability and
// validators. It tries HEAD first; when HEAD is refused or does not advertise
// byte ranges it falls back to a GET with Range: bytes=0-0.
// headers is optional - pass nil for non-authenticated probes
func ProbeServer(ctx context.Context, client *http.Client, rawurl string, headers map[string]string, runtime *types.RuntimeConfig) (*ProbeResult, error) {
	utils.Debug("Probing server: %s", rawurl)

	head, headErr := probeHead(ctx, client, rawurl, headers, runtime)
	if headErr == nil && head.SupportsRange && head.FileSize >= 0 {
		utils.Debug("HEAD probe complete - size: %d, range: true", head.FileSize)
		return head, nil
	}
	if headErr != nil {
		utils.Debug("HEAD probe failed, trying ranged GET: %v", headErr)
	}

	result, err := probeRangedGet(ctx, client, rawurl, headers, runtime)
	if err != nil {
		return nil, err
	}
	if head != nil {
		// Prefer HEAD metadata where the GET probe left blanks
		if result.ETag == "" {
			result.ETag = head.ETag
		}
		if result.LastModified == "" {
			result.LastModified = head.LastModified
		}
		if result.FileSize < 0 {
			result.FileSize = head.FileSize
		}
	}

	utils.Debug("Probe complete - filename: %s, size: %d, range: %v",
		result.Filename, result.FileSize, result.SupportsRange)
	return result, nil
}

func probeHead(ctx context.Context, client *http.Client, rawurl string, headers map[string]string, runtime *types.RuntimeConfig) (*ProbeResult, error) {
	resp, err := doProbe(ctx, client, http.MethodHead, rawurl, headers, "", runtime)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HEAD returned status %d", resp.StatusCode)
	}

	result := newProbeResult(rawurl, resp)
	result.FileSize = resp.ContentLength
	result.SupportsRange = strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
	return result, nil
}

func probeRangedGet(ctx context.Context, client *http.Client, rawurl string, headers map[string]string, runtime *types.RuntimeConfig) (*ProbeResult, error) {
	resp, err := doProbe(ctx, client, http.MethodGet, rawurl, headers, "bytes=0-0", runtime)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Drain a little so tiny responses can reuse the connection; a 200
		// carrying the whole file is simply closed.
		_, _ = io.CopyN(io.Discard, resp.Body, 4*types.KB)
		resp.Body.Close()
	}()

	utils.Debug("Probe response status: %d", resp.StatusCode)

	result := newProbeResult(rawurl, resp)

	switch resp.StatusCode {
	case http.StatusPartialContent: // 206
		result.SupportsRange = true
		// Format: "bytes 0-0/12345" or "bytes 0-0/*"
		result.FileSize = parseContentRangeTotal(resp.Header.Get("Content-Range"))

	case http.StatusOK: // 200 - server ignores Range header
		result.SupportsRange = false
		result.FileSize = resp.ContentLength

	case http.StatusRequestedRangeNotSatisfiable: // 416 - usually an empty entity
		total := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if total != 0 {
			return nil, fmt.Errorf("range not satisfiable (Content-Range %q)", resp.Header.Get("Content-Range"))
		}
		result.FileSize = 0

	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return result, nil
}

func doProbe(ctx context.Context, client *http.Client, method, rawurl string, headers map[string]string, rangeHeader string, runtime *types.RuntimeConfig) (*http.Response, error) {
	var lastErr error
	for i := 0; i < probeAttempts; i++ {
		if i > 0 {
			utils.Debug("Retrying %s probe... attempt %d", method, i+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(runtime.BackoffDelay(i)):
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, types.ProbeTimeout)
		req, err := http.NewRequestWithContext(probeCtx, method, rawurl, nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create probe request: %w", err)
		}
		ApplyHeaders(req, headers, runtime)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}

		resp, err := client.Do(req)
		if err == nil {
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		cancel()
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("probe request failed after retries: %w", lastErr)
}

func newProbeResult(rawurl string, resp *http.Response) *ProbeResult {
	mtype, _ := httpheader.ContentType(resp.Header)
	return &ProbeResult{
		FileSize:     -1,
		Filename:     utils.DetermineFilename(rawurl, resp.Header, types.DefaultFilename),
		ContentType:  mtype,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
}

// parseContentRangeTotal returns the complete length from a Content-Range
// header, or -1 when absent or "*".
func parseContentRangeTotal(contentRange string) int64 {
	idx := strings.LastIndex(contentRange, "/")
	if idx == -1 {
		return -1
	}
	sizeStr := strings.TrimSpace(contentRange[idx+1:])
	if sizeStr == "*" {
		return -1
	}
	n, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ParseContentRange parses "bytes first-last/total". total is -1 when "*".
func ParseContentRange(contentRange string) (first, last, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(contentRange), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	rangePart, _, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	firstStr, lastStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	if first, err = strconv.ParseInt(firstStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q: %w", contentRange, err)
	}
	if last, err = strconv.ParseInt(lastStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q: %w", contentRange, err)
	}
	total = parseContentRangeTotal(contentRange)
	return first, last, total, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
