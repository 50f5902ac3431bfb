package core

import (
	"context"

	"github.com/surge-downloader/filetransfer/internal/download"
)

// AddRequest is what a client submits to start a transfer. Zero values take
// the service defaults.
type AddRequest struct {
	URL                 string            `json:"url"`
	Destination         string            `json:"destination,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	Resumable           *bool             `json:"resumable,omitempty"`
	MaxConcurrentChunks int               `json:"max_concurrent_chunks,omitempty"`
	Background          bool              `json:"background,omitempty"`
	RateLimit           int64             `json:"rate_limit,omitempty"`
}

// TransferService defines the interface for interacting with the transfer
// engine. The CLI uses it to switch between an embedded manager and a
// running server.
type TransferService interface {
	// List returns every registered transfer.
	List() ([]download.Info, error)

	// Add starts a new transfer and returns its ID.
	Add(req AddRequest) (string, error)

	// Pause pauses an active transfer.
	Pause(id string) error

	// Resume resumes a paused transfer.
	Resume(id string) error

	// Cancel stops a transfer.
	Cancel(id string) error

	// Delete cancels a transfer and removes its staging data and saved state.
	Delete(id string) error

	// GetStatus returns a single transfer by id.
	GetStatus(id string) (*download.Info, error)

	// StreamEvents returns a channel of lifecycle messages from the events
	// package and a function that detaches it.
	StreamEvents(ctx context.Context) (<-chan any, func(), error)

	// Shutdown handles graceful shutdown of the service
	Shutdown() error
}
