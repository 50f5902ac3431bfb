// Package worker downloads a single chunk of a transfer.
package worker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vfaronov/httpheader"
	"golang.org/x/time/rate"

	"github.com/surge-downloader/filetransfer/internal/engine"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// Worker runs chunk downloads. One Worker is shared by all chunks of a
// transfer; Run is safe for concurrent use.
type Worker struct {
	client  *http.Client
	runtime *types.RuntimeConfig
	limiter *rate.Limiter
	bufPool sync.Pool
}

// New creates a worker. limiter may be nil for unlimited bandwidth.
func New(client *http.Client, runtime *types.RuntimeConfig, limiter *rate.Limiter) *Worker {
	size := runtime.GetWorkerBufferSize()
	w := &Worker{client: client, runtime: runtime, limiter: limiter}
	w.bufPool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return w
}

// Run downloads spec starting resumeFrom bytes into the chunk and writes the
// bytes to out at their file offsets. onProgress receives the size of every
// write. Run never returns an error for cancellation: it reports status
// Cancelled instead.
func (w *Worker) Run(ctx context.Context, req types.TransferRequest, spec types.ChunkSpec, resumeFrom int64, out io.WriterAt, onProgress func(int64)) types.ChunkResult {
	result := types.ChunkResult{Index: spec.Index}

	offset := spec.Start + resumeFrom
	if spec.Bounded() && offset > spec.End {
		result.Status = types.ChunkSucceeded
		return result
	}
	if ctx.Err() != nil {
		result.Status = types.ChunkCancelled
		return result
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceURL, nil)
	if err != nil {
		return failed(result, types.NewError(types.KindInvalidArgument, err, "build request"))
	}
	engine.ApplyHeaders(httpReq, req.Headers, w.runtime)
	ranged := spec.Bounded() || offset > 0
	if ranged {
		httpReq.Header.Set("Range", spec.RangeHeader(offset))
	}

	utils.Debug("Chunk %d: GET %s range=%q", spec.Index, req.SourceURL, httpReq.Header.Get("Range"))

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			result.Status = types.ChunkCancelled
			return result
		}
		return failed(result, ClassifyTransportError(err))
	}
	defer resp.Body.Close()

	if terr := checkResponse(resp, spec, offset, ranged); terr != nil {
		return failed(result, terr)
	}

	written, terr := w.stream(ctx, resp.Body, spec, offset, out, onProgress)
	result.BytesWritten = written
	if terr != nil {
		if terr.Kind == types.KindCancelled {
			result.Status = types.ChunkCancelled
			return result
		}
		return failed(result, terr)
	}

	if spec.Bounded() && offset+written != spec.End+1 {
		return failed(result, types.NewRetryableError(types.KindNetwork, io.ErrUnexpectedEOF,
			"chunk %d ended at %d, want %d", spec.Index, offset+written, spec.End+1))
	}
	if !spec.Bounded() && resp.ContentLength >= 0 && written < resp.ContentLength {
		return failed(result, types.NewRetryableError(types.KindNetwork, io.ErrUnexpectedEOF,
			"body ended after %d of %d bytes", written, resp.ContentLength))
	}

	result.Status = types.ChunkSucceeded
	return result
}

// stream copies the body to out, a buffer at a time, until the chunk end or
// EOF. Cancellation is observed between buffers.
func (w *Worker) stream(ctx context.Context, body io.Reader, spec types.ChunkSpec, offset int64, out io.WriterAt, onProgress func(int64)) (int64, *types.TransferError) {
	bufPtr := w.bufPool.Get().(*[]byte)
	defer w.bufPool.Put(bufPtr)
	buf := *bufPtr

	readSize := len(buf)
	if w.limiter != nil && w.limiter.Burst() < readSize {
		readSize = w.limiter.Burst()
	}

	var written int64
	for {
		if ctx.Err() != nil {
			return written, types.ErrCancelled
		}

		want := readSize
		if spec.Bounded() {
			remaining := spec.End + 1 - (offset + written)
			if remaining <= 0 {
				return written, nil
			}
			if remaining < int64(want) {
				want = int(remaining)
			}
		}

		n, readErr := fill(body, buf[:want])
		if n > 0 {
			if w.limiter != nil {
				if err := w.limiter.WaitN(ctx, n); err != nil {
					return written, types.ErrCancelled
				}
			}
			if _, err := out.WriteAt(buf[:n], offset+written); err != nil {
				return written, types.NewError(types.KindDisk, err, "write at offset %d", offset+written)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(int64(n))
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			if ctx.Err() != nil {
				return written, types.ErrCancelled
			}
			return written, ClassifyTransportError(readErr)
		}
	}
}

// fill reads until buf is full or the reader fails.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func checkResponse(resp *http.Response, spec types.ChunkSpec, offset int64, ranged bool) *types.TransferError {
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		first, last, _, err := engine.ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return types.NewError(types.KindRangeUnsupported, err, "chunk %d", spec.Index)
		}
		if first != offset || (spec.Bounded() && last > spec.End) {
			return types.NewError(types.KindRangeUnsupported, nil,
				"chunk %d: asked for %s, got %q", spec.Index, spec.RangeHeader(offset), resp.Header.Get("Content-Range"))
		}
		return nil

	case resp.StatusCode == http.StatusOK:
		if ranged {
			return types.NewError(types.KindRangeUnsupported, nil, "chunk %d: server ignored Range", spec.Index)
		}
		return nil

	default:
		return ClassifyStatus(resp)
	}
}

// ClassifyStatus maps an unexpected HTTP status to a TransferError: 5xx and
// 429 are retryable and carry any Retry-After, other statuses are fatal.
func ClassifyStatus(resp *http.Response) *types.TransferError {
	code := resp.StatusCode
	terr := &types.TransferError{
		Kind:       types.KindServer,
		Message:    "unexpected status " + resp.Status,
		StatusCode: code,
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		terr.Retryable = true
		if at := httpheader.RetryAfter(resp.Header); !at.IsZero() {
			if d := time.Until(at); d > 0 {
				terr.RetryAfter = d
			}
		}
	}
	return terr
}

// ClassifyTransportError maps a client or body read error. Network failures
// (resets, timeouts, truncated bodies) are retryable; certificate failures
// are not.
func ClassifyTransportError(err error) *types.TransferError {
	var certErr *tls.CertificateVerificationError
	var authErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &authErr) || errors.As(err, &hostErr) {
		return types.NewError(types.KindNetwork, err, "tls")
	}
	return types.NewRetryableError(types.KindNetwork, err, "transport")
}

func failed(result types.ChunkResult, terr *types.TransferError) types.ChunkResult {
	result.Status = types.ChunkFailed
	result.Err = terr
	return result
}
