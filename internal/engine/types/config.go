package types

import (
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// IncompleteSuffix marks the staging file while chunks are still landing
	IncompleteSuffix = ".part"

	// StagingFileName is the payload file inside a transfer's staging directory
	StagingFileName = "payload" + IncompleteSuffix

	// DefaultFilename is used when neither the server nor the URL names the file
	DefaultFilename = "download.bin"
)

// Chunk size constants
const (
	MinChunk     = 1 * MB // Floor for planned chunk length
	WorkerBuffer = 256 * KB

	// Progress aggregation: emit at most once per interval, or sooner once
	// this many new bytes have accumulated.
	ProgressInterval      = 200 * time.Millisecond
	ProgressByteThreshold = 1 * MB

	DefaultMaxConcurrentChunks = 4
)

// Connection limits
const (
	PerHostMax = 32 // Max concurrent connections per host
)

// HTTP Client Tuning
const (
	DefaultMaxIdleConns          = 100
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 15 * time.Second
	DefaultExpectContinueTimeout = 1 * time.Second
	DialTimeout                  = 10 * time.Second
	KeepAliveDuration            = 30 * time.Second
	ProbeTimeout                 = 30 * time.Second
)

// Channel buffer sizes
const (
	ProgressChannelBuffer = 100
)

const DefaultUserAgent = "filetransfer/1.0 (+https://github.com/surge-downloader/filetransfer)"

const (
	MaxTaskRetries = 3
	RetryBaseDelay = 200 * time.Millisecond
	RetryMaxDelay  = 10 * time.Second
	SpeedEMAAlpha  = 0.3 // EMA smoothing factor
)

// RuntimeConfig holds dynamic settings that can override defaults
type RuntimeConfig struct {
	MaxConnectionsPerHost int
	UserAgent             string
	ProxyURL              string
	MinChunkSize          int64

	WorkerBufferSize      int
	MaxTaskRetries        int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	ProgressInterval      time.Duration
	ProgressByteThreshold int64
	SpeedEmaAlpha         float64
	SkipTLSVerification   bool
}

// GetUserAgent returns the configured user agent or the default
func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return DefaultUserAgent
	}
	return r.UserAgent
}

// GetMaxConnectionsPerHost returns configured value or default
func (r *RuntimeConfig) GetMaxConnectionsPerHost() int {
	if r == nil || r.MaxConnectionsPerHost <= 0 {
		return PerHostMax
	}
	return r.MaxConnectionsPerHost
}

// GetMinChunkSize returns configured value or default
func (r *RuntimeConfig) GetMinChunkSize() int64 {
	if r == nil || r.MinChunkSize <= 0 {
		return MinChunk
	}
	return r.MinChunkSize
}

// GetWorkerBufferSize returns configured value or default
func (r *RuntimeConfig) GetWorkerBufferSize() int {
	if r == nil || r.WorkerBufferSize <= 0 {
		return WorkerBuffer
	}
	return r.WorkerBufferSize
}

// GetMaxTaskRetries returns the number of additional attempts a failed chunk
// gets. Zero means default; a negative value disables retries.
func (r *RuntimeConfig) GetMaxTaskRetries() int {
	if r == nil || r.MaxTaskRetries == 0 {
		return MaxTaskRetries
	}
	if r.MaxTaskRetries < 0 {
		return 0
	}
	return r.MaxTaskRetries
}

// GetRetryBaseDelay returns configured value or default
func (r *RuntimeConfig) GetRetryBaseDelay() time.Duration {
	if r == nil || r.RetryBaseDelay <= 0 {
		return RetryBaseDelay
	}
	return r.RetryBaseDelay
}

// GetRetryMaxDelay returns configured value or default
func (r *RuntimeConfig) GetRetryMaxDelay() time.Duration {
	if r == nil || r.RetryMaxDelay <= 0 {
		return RetryMaxDelay
	}
	return r.RetryMaxDelay
}

// GetProgressInterval returns configured value or default
func (r *RuntimeConfig) GetProgressInterval() time.Duration {
	if r == nil || r.ProgressInterval <= 0 {
		return ProgressInterval
	}
	return r.ProgressInterval
}

// GetProgressByteThreshold returns configured value or default
func (r *RuntimeConfig) GetProgressByteThreshold() int64 {
	if r == nil || r.ProgressByteThreshold <= 0 {
		return ProgressByteThreshold
	}
	return r.ProgressByteThreshold
}

// GetSpeedEmaAlpha returns configured value or default
func (r *RuntimeConfig) GetSpeedEmaAlpha() float64 {
	if r == nil || r.SpeedEmaAlpha <= 0 {
		return SpeedEMAAlpha
	}
	return r.SpeedEmaAlpha
}

// BackoffDelay returns the wait before retry attempt n (1-based):
// base * 2^(n-1), capped at the configured maximum.
func (r *RuntimeConfig) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxDelay := r.GetRetryMaxDelay()
	delay := r.GetRetryBaseDelay()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
