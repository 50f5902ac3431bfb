package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/filetransfer/internal/engine/events"
)

// apply folds one lifecycle event into the model. It returns the view that
// changed, or nil when the event is not for a followed transfer.
func (m *Model) apply(msg any) *TransferView {
	switch msg := msg.(type) {
	case events.TransferStartedMsg:
		t := m.lookup(msg.TransferID)
		if t == nil {
			return nil
		}
		t.URL = msg.URL
		t.Dest = msg.DestPath
		t.Phase = PhaseRunning
		t.Err = nil
		return t

	case events.ProgressMsg:
		t := m.lookup(msg.TransferID)
		if t == nil || t.Phase.Finished() {
			return nil
		}
		t.Downloaded = msg.Downloaded
		t.Total = msg.Total
		t.Speed = msg.Speed
		t.Elapsed = msg.Elapsed
		t.ChunksDone = msg.ChunksDone
		t.ChunksTotal = msg.ChunksTotal
		if t.Phase == PhaseWaiting {
			t.Phase = PhaseRunning
		}
		return t

	case events.TransferCompleteMsg:
		t := m.lookup(msg.TransferID)
		if t == nil {
			return nil
		}
		t.Phase = PhaseCompleted
		t.Path = msg.Path
		t.Downloaded = msg.Size
		t.Total = msg.Size
		t.Elapsed = msg.Elapsed
		t.Speed = 0
		return t

	case events.TransferErrorMsg:
		t := m.lookup(msg.TransferID)
		if t == nil {
			return nil
		}
		t.Phase = PhaseFailed
		t.Err = msg.Err
		t.Speed = 0
		return t

	case events.TransferPausedMsg:
		t := m.lookup(msg.TransferID)
		if t == nil {
			return nil
		}
		t.Phase = PhasePaused
		t.Downloaded = msg.Downloaded
		t.Speed = 0
		return t

	case events.TransferResumedMsg:
		t := m.lookup(msg.TransferID)
		if t == nil {
			return nil
		}
		t.Phase = PhaseRunning
		return t

	case events.TransferCancelledMsg:
		t := m.lookup(msg.TransferID)
		if t == nil {
			return nil
		}
		t.Phase = PhaseCancelled
		t.Speed = 0
		return t

	case events.TransferRemovedMsg:
		t, ok := m.index[msg.TransferID]
		if !ok {
			return nil
		}
		if !t.Phase.Finished() {
			t.Phase = PhaseCancelled
		}
		return t
	}
	return nil
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.interrupted = !m.Done()
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := msg.Width - ProgressBarWidthOffset*2 - HeaderWidthOffset
		if w > DefaultProgressWidth*2 {
			w = DefaultProgressWidth * 2
		}
		if w < 10 {
			w = 10
		}
		m.barWidth = w
		for _, t := range m.transfers {
			t.progress.Width = w
		}
		return m, nil

	case streamClosedMsg:
		m.closed = true
		return m, tea.Quit
	}

	if m.apply(msg) == nil {
		return m, listenForActivity(m.events)
	}
	if m.exitWhenDone && m.Done() {
		return m, tea.Quit
	}
	return m, listenForActivity(m.events)
}
