// Package tui renders live transfer progress for the CLI, either as a
// bubbletea program on a terminal or as plain log lines otherwise.
package tui

import (
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// Phase is what the view knows about a transfer's lifecycle.
type Phase int

const (
	PhaseWaiting Phase = iota
	PhaseRunning
	PhasePaused
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "waiting"
	}
}

// Finished reports whether no more events are expected for the transfer.
// A paused transfer counts: it will not progress until someone resumes it.
func (p Phase) Finished() bool {
	return p == PhasePaused || p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// TransferView is the per-transfer state the view renders.
type TransferView struct {
	ID          string
	URL         string
	Dest        string
	Downloaded  int64
	Total       int64 // -1 when unknown
	Speed       float64
	Elapsed     time.Duration
	ChunksDone  int
	ChunksTotal int
	Phase       Phase
	Path        string
	Err         error

	progress progress.Model
}

func newTransferView(id string) *TransferView {
	return &TransferView{
		ID:       id,
		Total:    -1,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(DefaultProgressWidth)),
	}
}

// Name is a short label for the transfer: the file name when known.
func (t *TransferView) Name() string {
	switch {
	case t.Path != "":
		return filepath.Base(t.Path)
	case t.Dest != "":
		return filepath.Base(t.Dest)
	case t.URL != "":
		return t.URL
	}
	return t.ID
}

// Percent is the completed fraction, 0 when the size is unknown.
func (t *TransferView) Percent() float64 {
	if t.Phase == PhaseCompleted {
		return 1
	}
	if t.Total <= 0 {
		return 0
	}
	p := float64(t.Downloaded) / float64(t.Total)
	if p > 1 {
		p = 1
	}
	return p
}

// streamClosedMsg is delivered once the event channel is closed.
type streamClosedMsg struct{}

// Model is a bubbletea model following a set of transfers through their
// lifecycle events.
type Model struct {
	transfers []*TransferView
	index     map[string]*TransferView
	events    <-chan any

	// follow adopts any transfer seen on the stream, not just tracked ones.
	follow       bool
	exitWhenDone bool
	width        int
	barWidth     int

	interrupted bool
	closed      bool
}

// NewModel follows ids on events and quits once all of them have finished.
// With no ids it follows every transfer on the stream; exitWhenDone then
// decides whether it quits once everything seen so far has finished.
func NewModel(events <-chan any, ids []string, exitWhenDone bool) Model {
	m := Model{
		index:        make(map[string]*TransferView),
		events:       events,
		follow:       len(ids) == 0,
		exitWhenDone: exitWhenDone || len(ids) > 0,
		width:        DefaultWidth,
	}
	for _, id := range ids {
		m.track(id)
	}
	return m
}

func (m *Model) track(id string) *TransferView {
	if t, ok := m.index[id]; ok {
		return t
	}
	t := newTransferView(id)
	if m.barWidth > 0 {
		t.progress.Width = m.barWidth
	}
	m.index[id] = t
	m.transfers = append(m.transfers, t)
	return t
}

// lookup returns the view for id, adopting it when following the stream.
func (m *Model) lookup(id string) *TransferView {
	if t, ok := m.index[id]; ok {
		return t
	}
	if !m.follow || id == "" {
		return nil
	}
	return m.track(id)
}

// Transfers returns the tracked views in the order they were first seen.
func (m Model) Transfers() []*TransferView { return m.transfers }

// Interrupted reports whether the user quit before the transfers finished.
func (m Model) Interrupted() bool { return m.interrupted }

// Done reports whether every tracked transfer has finished.
func (m Model) Done() bool {
	if len(m.transfers) == 0 {
		return false
	}
	for _, t := range m.transfers {
		if !t.Phase.Finished() {
			return false
		}
	}
	return true
}

// Failed counts transfers that ended in failure or cancellation.
func (m Model) Failed() int {
	n := 0
	for _, t := range m.transfers {
		if t.Phase == PhaseFailed || t.Phase == PhaseCancelled {
			n++
		}
	}
	return n
}

func (m Model) Init() tea.Cmd {
	return listenForActivity(m.events)
}

func listenForActivity(sub <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}
