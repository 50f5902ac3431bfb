package core

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/surge-downloader/filetransfer/internal/download"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

const eventBuffer = 256

// Defaults fill in the fields an AddRequest leaves empty.
type Defaults struct {
	DownloadDir         string
	Resumable           bool
	MaxConcurrentChunks int
	RateLimit           int64
}

// LocalTransferService runs transfers in-process on a download.Manager and
// fans its lifecycle events out to any number of listeners.
type LocalTransferService struct {
	mgr      *download.Manager
	defaults Defaults
	input    chan any

	mu        sync.Mutex
	listeners map[int]chan any
	nextID    int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLocalTransferService builds a manager with opts plus an event channel
// owned by the service.
func NewLocalTransferService(defaults Defaults, opts ...download.Option) *LocalTransferService {
	input := make(chan any, eventBuffer)
	s := &LocalTransferService{
		defaults:  defaults,
		input:     input,
		listeners: make(map[int]chan any),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.mgr = download.NewManager(append(opts, download.WithEvents(input))...)
	go s.broadcastLoop()
	return s
}

// Manager exposes the underlying registry, e.g. for Restore at startup.
func (s *LocalTransferService) Manager() *download.Manager { return s.mgr }

func (s *LocalTransferService) broadcastLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.input:
			s.mu.Lock()
			for _, ch := range s.listeners {
				select {
				case ch <- msg:
				default:
					// Listener is slow, drop the event for it
				}
			}
			s.mu.Unlock()
		}
	}
}

// Request converts an AddRequest into a validated TransferRequest.
func (s *LocalTransferService) Request(in AddRequest) (types.TransferRequest, error) {
	dest := in.Destination
	if dest == "" {
		dest = s.defaults.DownloadDir
		if dest != "" && !strings.HasSuffix(dest, string(filepath.Separator)) {
			dest += string(filepath.Separator)
		}
	}
	if dest != "" && !filepath.IsAbs(dest) && !strings.HasPrefix(dest, "file://") {
		if abs, err := filepath.Abs(dest); err == nil {
			// keep a trailing separator, it marks a directory
			if strings.HasSuffix(dest, string(filepath.Separator)) {
				abs += string(filepath.Separator)
			}
			dest = abs
		}
	}

	resumable := s.defaults.Resumable
	if in.Resumable != nil {
		resumable = *in.Resumable
	}
	chunks := in.MaxConcurrentChunks
	if chunks == 0 {
		chunks = s.defaults.MaxConcurrentChunks
	}
	if chunks == 0 {
		chunks = types.DefaultMaxConcurrentChunks
	}
	rate := in.RateLimit
	if rate == 0 {
		rate = s.defaults.RateLimit
	}

	return types.NewTransferRequest(in.URL, dest,
		types.WithHeaders(in.Headers),
		types.WithResumable(resumable),
		types.WithMaxConcurrentChunks(chunks),
		types.WithBackground(in.Background),
		types.WithRateLimit(rate),
	)
}

func (s *LocalTransferService) List() ([]download.Info, error) {
	return s.mgr.List(), nil
}

func (s *LocalTransferService) Add(in AddRequest) (string, error) {
	req, err := s.Request(in)
	if err != nil {
		return "", err
	}
	return s.mgr.Start(req, nil, nil)
}

func (s *LocalTransferService) Pause(id string) error  { return s.mgr.Pause(id) }
func (s *LocalTransferService) Resume(id string) error { return s.mgr.Resume(id) }
func (s *LocalTransferService) Cancel(id string) error { return s.mgr.Cancel(id) }

func (s *LocalTransferService) Delete(id string) error {
	return s.mgr.Discard(context.Background(), id)
}

func (s *LocalTransferService) GetStatus(id string) (*download.Info, error) {
	info, err := s.mgr.Status(id)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *LocalTransferService) StreamEvents(ctx context.Context) (<-chan any, func(), error) {
	ch := make(chan any, eventBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.listeners[id]; ok {
				delete(s.listeners, id)
				close(c)
			}
		})
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cleanup()
			case <-s.done:
			}
		}()
	}
	return ch, cleanup, nil
}

// Shutdown pauses running transfers (waiting up to 30s), then closes every
// event listener.
func (s *LocalTransferService) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.mgr.Shutdown(ctx)

	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	s.mu.Lock()
	for id, ch := range s.listeners {
		delete(s.listeners, id)
		close(ch)
	}
	s.mu.Unlock()
	return err
}
