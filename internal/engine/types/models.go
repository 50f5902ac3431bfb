package types

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransferRequest describes one download. Build it with NewTransferRequest
// and treat it as a value afterwards.
type TransferRequest struct {
	ID                  string            `json:"id"`
	SourceURL           string            `json:"source_url"`
	DestinationPath     string            `json:"destination_path"`
	Headers             map[string]string `json:"headers,omitempty"`
	Resumable           bool              `json:"resumable"`
	MaxConcurrentChunks int               `json:"max_concurrent_chunks"`
	Background          bool              `json:"background,omitempty"`
	RateLimit           int64             `json:"rate_limit,omitempty"` // bytes/s, 0 = unlimited
}

// RequestOption configures a TransferRequest at construction time.
type RequestOption func(*TransferRequest)

// WithID overrides the generated transfer ID.
func WithID(id string) RequestOption {
	return func(r *TransferRequest) { r.ID = id }
}

// WithHeaders sets extra request headers (cookies, auth, ...).
func WithHeaders(h map[string]string) RequestOption {
	return func(r *TransferRequest) { r.Headers = maps.Clone(h) }
}

// WithResumable keeps staging data and persisted state across interruptions.
func WithResumable(resumable bool) RequestOption {
	return func(r *TransferRequest) { r.Resumable = resumable }
}

// WithMaxConcurrentChunks bounds the number of parallel chunk workers.
func WithMaxConcurrentChunks(n int) RequestOption {
	return func(r *TransferRequest) { r.MaxConcurrentChunks = n }
}

// WithBackground asks the manager to hold a background-execution token.
func WithBackground(background bool) RequestOption {
	return func(r *TransferRequest) { r.Background = background }
}

// WithRateLimit caps the transfer's aggregate bandwidth in bytes per second.
func WithRateLimit(bytesPerSecond int64) RequestOption {
	return func(r *TransferRequest) { r.RateLimit = bytesPerSecond }
}

// NewTransferRequest validates its inputs and returns an immutable request.
// A "file://" prefix on the destination is accepted and stripped.
func NewTransferRequest(sourceURL, destinationPath string, opts ...RequestOption) (TransferRequest, error) {
	req := TransferRequest{
		ID:                  uuid.New().String(),
		SourceURL:           strings.TrimSpace(sourceURL),
		DestinationPath:     strings.TrimPrefix(destinationPath, "file://"),
		MaxConcurrentChunks: DefaultMaxConcurrentChunks,
	}
	for _, opt := range opts {
		opt(&req)
	}
	if err := req.Validate(); err != nil {
		return TransferRequest{}, err
	}
	return req, nil
}

// Validate checks the request shape.
func (r TransferRequest) Validate() error {
	if r.ID == "" {
		return NewError(KindInvalidArgument, nil, "empty transfer id")
	}
	if r.SourceURL == "" {
		return NewError(KindInvalidArgument, nil, "empty source url")
	}
	u, err := url.Parse(r.SourceURL)
	if err != nil {
		return NewError(KindInvalidArgument, err, "invalid source url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewError(KindInvalidArgument, nil, "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return NewError(KindInvalidArgument, nil, "source url has no host")
	}
	if r.DestinationPath == "" || !filepath.IsAbs(r.DestinationPath) {
		return NewError(KindInvalidArgument, nil, "destination path must be absolute: %q", r.DestinationPath)
	}
	if r.MaxConcurrentChunks <= 0 {
		return NewError(KindInvalidArgument, nil, "maxConcurrentChunks must be > 0, got %d", r.MaxConcurrentChunks)
	}
	if r.RateLimit < 0 {
		return NewError(KindInvalidArgument, nil, "rate limit must not be negative")
	}
	return nil
}

// DestinationIsDir reports whether the destination names a directory, either
// by a trailing separator or because one already exists there.
func (r TransferRequest) DestinationIsDir() bool {
	if strings.HasSuffix(r.DestinationPath, string(filepath.Separator)) || strings.HasSuffix(r.DestinationPath, "/") {
		return true
	}
	info, err := os.Stat(r.DestinationPath)
	return err == nil && info.IsDir()
}

// SameIdentity reports whether two requests describe the same transfer.
func (r TransferRequest) SameIdentity(other TransferRequest) bool {
	return r.ID == other.ID && r.SourceURL == other.SourceURL && r.DestinationPath == other.DestinationPath
}

// Clone returns a copy that shares no mutable state with r.
func (r TransferRequest) Clone() TransferRequest {
	r.Headers = maps.Clone(r.Headers)
	return r
}

// Unbounded marks an open-ended chunk end.
const Unbounded int64 = -1

// ChunkSpec is one byte range of the target; End is inclusive.
type ChunkSpec struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Bounded reports whether the chunk has a known end.
func (c ChunkSpec) Bounded() bool { return c.End != Unbounded }

// Length returns the chunk length, or -1 when unbounded.
func (c ChunkSpec) Length() int64 {
	if !c.Bounded() {
		return -1
	}
	return c.End - c.Start + 1
}

// RangeHeader renders the Range header for resuming this chunk at offset
// from (relative to the file, not the chunk).
func (c ChunkSpec) RangeHeader(from int64) string {
	if !c.Bounded() {
		return fmt.Sprintf("bytes=%d-", from)
	}
	return fmt.Sprintf("bytes=%d-%d", from, c.End)
}

// ChunkPlan is the ordered set of chunks for one transfer.
type ChunkPlan struct {
	TotalSize    int64       `json:"total_size"` // -1 when unknown
	RangeSupport bool        `json:"range_support"`
	Chunks       []ChunkSpec `json:"chunks"`
}

// KnownSize reports whether the plan carries a content length.
func (p ChunkPlan) KnownSize() bool { return p.TotalSize >= 0 }

// Validate checks the tiling invariant: contiguous, non-overlapping chunks
// covering exactly [0, TotalSize), or a single unbounded chunk.
func (p ChunkPlan) Validate() error {
	if len(p.Chunks) == 0 {
		return fmt.Errorf("plan has no chunks")
	}
	if len(p.Chunks) == 1 && !p.Chunks[0].Bounded() {
		if p.Chunks[0].Start != 0 {
			return fmt.Errorf("unbounded chunk must start at 0")
		}
		return nil
	}
	var next int64
	for i, c := range p.Chunks {
		if c.Index != i {
			return fmt.Errorf("chunk %d has index %d", i, c.Index)
		}
		if !c.Bounded() {
			return fmt.Errorf("chunk %d unbounded in multi-chunk plan", i)
		}
		if c.Start != next {
			return fmt.Errorf("chunk %d starts at %d, want %d", i, c.Start, next)
		}
		if c.End < c.Start {
			return fmt.Errorf("chunk %d is empty", i)
		}
		next = c.End + 1
	}
	if next != p.TotalSize {
		return fmt.Errorf("chunks cover %d bytes, want %d", next, p.TotalSize)
	}
	return nil
}

// ChunkStatus is the lifecycle state of one chunk.
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkRunning
	ChunkSucceeded
	ChunkFailed
	ChunkCancelled
)

var chunkStatusNames = []string{"pending", "running", "succeeded", "failed", "cancelled"}

func (s ChunkStatus) String() string {
	if int(s) < len(chunkStatusNames) && s >= 0 {
		return chunkStatusNames[s]
	}
	return "unknown"
}

func (s ChunkStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ChunkStatus) UnmarshalText(b []byte) error {
	for i, name := range chunkStatusNames {
		if name == string(b) {
			*s = ChunkStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown chunk status %q", b)
}

// ChunkState is the mutable progress record of one chunk.
type ChunkState struct {
	Index        int         `json:"index"`
	BytesWritten int64       `json:"bytes_written"`
	Status       ChunkStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	Reason       string      `json:"reason,omitempty"`
}

// Transition moves the chunk to next. A succeeded chunk never changes state.
func (c *ChunkState) Transition(next ChunkStatus, reason string) bool {
	if c.Status == ChunkSucceeded {
		return false
	}
	c.Status = next
	c.Reason = reason
	return true
}

// TransferStatus is the overall state of a transfer.
type TransferStatus int

const (
	StatusPlanning TransferStatus = iota
	StatusRunning
	StatusFinalizing
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusPaused
)

var transferStatusNames = []string{"planning", "running", "finalizing", "completed", "failed", "cancelled", "paused"}

func (s TransferStatus) String() string {
	if int(s) < len(transferStatusNames) && s >= 0 {
		return transferStatusNames[s]
	}
	return "unknown"
}

// Terminal reports whether the transfer has ended. Paused is not terminal:
// a paused transfer can still be resumed or cancelled.
func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s TransferStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TransferStatus) UnmarshalText(b []byte) error {
	for i, name := range transferStatusNames {
		if name == string(b) {
			*s = TransferStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown transfer status %q", b)
}

// TransferState is owned by the coordinator; other components read clones.
type TransferState struct {
	Request      TransferRequest `json:"request"`
	Plan         ChunkPlan       `json:"plan"`
	Chunks       []ChunkState    `json:"chunks"`
	Status       TransferStatus  `json:"status"`
	StagingDir   string          `json:"staging_dir"`
	StagingFile  string          `json:"staging_file"`
	FinalPath    string          `json:"final_path"` // destination with any directory resolved
	ETag         string          `json:"etag,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
	ContentType  string          `json:"content_type,omitempty"`
	Error        string          `json:"error,omitempty"`
	// ErrorRetryable records whether the failure in Error was transient.
	ErrorRetryable bool      `json:"error_retryable,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrorKind recovers the kind of the recorded failure from Error, or
// KindUnknown when none was recorded.
func (s TransferState) ErrorKind() ErrorKind {
	name, _, _ := strings.Cut(s.Error, ":")
	return ParseErrorKind(name)
}

// NewChunkStates returns one pending state per planned chunk.
func NewChunkStates(plan ChunkPlan) []ChunkState {
	states := make([]ChunkState, len(plan.Chunks))
	for i, c := range plan.Chunks {
		states[i] = ChunkState{Index: c.Index, Status: ChunkPending}
	}
	return states
}

// BytesCompleted sums the bytes written by all chunks.
func (s TransferState) BytesCompleted() int64 {
	var total int64
	for _, c := range s.Chunks {
		total += c.BytesWritten
	}
	return total
}

// ChunksDone counts succeeded chunks.
func (s TransferState) ChunksDone() int {
	n := 0
	for _, c := range s.Chunks {
		if c.Status == ChunkSucceeded {
			n++
		}
	}
	return n
}

// AllSucceeded reports whether every chunk has succeeded.
func (s TransferState) AllSucceeded() bool {
	return len(s.Chunks) > 0 && s.ChunksDone() == len(s.Chunks)
}

// Clone deep-copies the state for shared reads.
func (s TransferState) Clone() TransferState {
	s.Request = s.Request.Clone()
	s.Plan.Chunks = append([]ChunkSpec(nil), s.Plan.Chunks...)
	s.Chunks = append([]ChunkState(nil), s.Chunks...)
	return s
}

// ProgressSnapshot is derived on each aggregation tick and never persisted.
type ProgressSnapshot struct {
	TransferID     string        `json:"transfer_id"`
	BytesCompleted int64         `json:"bytes_completed"`
	BytesTotal     *int64        `json:"bytes_total,omitempty"` // nil when unknown
	Speed          float64       `json:"speed"`                 // bytes per second
	ChunksDone     int           `json:"chunks_done"`
	ChunksTotal    int           `json:"chunks_total"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Fraction returns completion in [0, 1], or 0 when the total is unknown.
func (p ProgressSnapshot) Fraction() float64 {
	if p.BytesTotal == nil || *p.BytesTotal <= 0 {
		return 0
	}
	f := float64(p.BytesCompleted) / float64(*p.BytesTotal)
	if f > 1 {
		return 1
	}
	return f
}

// ChunkResult is what a worker reports for one run of one chunk.
type ChunkResult struct {
	Index        int
	Status       ChunkStatus // Succeeded, Failed or Cancelled
	BytesWritten int64       // bytes written by this run
	Err          *TransferError
}

// Result is the completion value of a transfer: either Ok with a path, or
// Err with a structured error. Never both.
type Result struct {
	Path        string
	Size        int64
	ContentType string
	Err         error
}

// OkResult builds a successful completion.
func OkResult(path string, size int64, contentType string) Result {
	return Result{Path: path, Size: size, ContentType: contentType}
}

// ErrResult builds a failed completion; a nil err is reported as Unknown.
func ErrResult(err error) Result {
	if err == nil {
		err = &TransferError{Kind: KindUnknown, Message: "transfer failed"}
	}
	return Result{Err: err}
}

// Ok reports whether the transfer succeeded.
func (r Result) Ok() bool { return r.Err == nil }

// Kind returns the error kind of a failed result.
func (r Result) Kind() ErrorKind { return KindOf(r.Err) }
