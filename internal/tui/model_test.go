package tui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/filetransfer/internal/engine/events"
)

// step runs one Update and reports whether the returned command quits.
func step(t *testing.T, m Model, msg tea.Msg) (Model, bool) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	if cmd == nil {
		return nm, false
	}
	// listenForActivity would block on the channel; only tea.Quit is
	// safe to evaluate here.
	if isQuit(cmd) {
		return nm, true
	}
	return nm, false
}

func isQuit(cmd tea.Cmd) bool {
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	select {
	case msg := <-done:
		_, ok := msg.(tea.QuitMsg)
		return ok
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestModel_TracksLifecycle(t *testing.T) {
	ch := make(chan any)
	m := NewModel(ch, []string{"a"}, false)

	m, quit := step(t, m, events.TransferStartedMsg{TransferID: "a", URL: "http://x/f.bin", DestPath: "/tmp/f.bin"})
	if quit {
		t.Fatal("should not quit after start")
	}
	tv := m.Transfers()[0]
	if tv.Phase != PhaseRunning || tv.Name() != "f.bin" {
		t.Errorf("after start: phase=%v name=%q", tv.Phase, tv.Name())
	}

	m, _ = step(t, m, events.ProgressMsg{TransferID: "a", Downloaded: 50, Total: 100, Speed: 10, ChunksDone: 1, ChunksTotal: 2})
	if tv.Percent() != 0.5 {
		t.Errorf("Percent = %v, want 0.5", tv.Percent())
	}

	m, quit = step(t, m, events.TransferCompleteMsg{TransferID: "a", Path: "/tmp/f.bin", Size: 100})
	if !quit {
		t.Error("expected quit once the only tracked transfer completed")
	}
	if !m.Done() || m.Interrupted() || m.Failed() != 0 {
		t.Errorf("done=%v interrupted=%v failed=%d", m.Done(), m.Interrupted(), m.Failed())
	}
	if tv.Percent() != 1 {
		t.Errorf("Percent after completion = %v", tv.Percent())
	}
}

func TestModel_IgnoresOtherTransfers(t *testing.T) {
	m := NewModel(make(chan any), []string{"mine"}, false)

	m, _ = step(t, m, events.TransferStartedMsg{TransferID: "other"})
	if len(m.Transfers()) != 1 {
		t.Errorf("tracked %d transfers, want 1", len(m.Transfers()))
	}
}

func TestModel_FollowAdoptsTransfers(t *testing.T) {
	m := NewModel(make(chan any), nil, true)

	m, _ = step(t, m, events.TransferStartedMsg{TransferID: "x"})
	m, _ = step(t, m, events.ProgressMsg{TransferID: "y", Downloaded: 1, Total: -1})
	if len(m.Transfers()) != 2 {
		t.Fatalf("followed %d transfers, want 2", len(m.Transfers()))
	}

	m, quit := step(t, m, events.TransferErrorMsg{TransferID: "x", Err: errors.New("boom")})
	if quit {
		t.Error("should wait for the second transfer")
	}
	_, quit = step(t, m, events.TransferCancelledMsg{TransferID: "y"})
	if !quit {
		t.Error("expected quit once everything finished")
	}
}

func TestModel_PausedCountsAsFinished(t *testing.T) {
	m := NewModel(make(chan any), []string{"p"}, false)
	m, _ = step(t, m, events.TransferStartedMsg{TransferID: "p"})
	m, quit := step(t, m, events.TransferPausedMsg{TransferID: "p", Downloaded: 7})
	if !quit {
		t.Error("a paused transfer should end the view")
	}
	if m.Transfers()[0].Downloaded != 7 {
		t.Errorf("Downloaded = %d", m.Transfers()[0].Downloaded)
	}
}

func TestModel_ProgressAfterFinishIgnored(t *testing.T) {
	m := NewModel(make(chan any), []string{"a"}, false)
	m, _ = step(t, m, events.TransferCompleteMsg{TransferID: "a", Size: 10})
	m, _ = step(t, m, events.ProgressMsg{TransferID: "a", Downloaded: 3, Total: 10})
	if got := m.Transfers()[0].Downloaded; got != 10 {
		t.Errorf("Downloaded = %d, want 10", got)
	}
}

func TestModel_QuitKeyInterrupts(t *testing.T) {
	m := NewModel(make(chan any), []string{"a"}, false)
	m, quit := step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !quit {
		t.Fatal("q should quit")
	}
	if !m.Interrupted() {
		t.Error("quitting before completion should mark the model interrupted")
	}
}

func TestModel_StreamClosedQuits(t *testing.T) {
	m := NewModel(make(chan any), nil, false)
	_, quit := step(t, m, streamClosedMsg{})
	if !quit {
		t.Error("closed stream should quit")
	}
}

func TestModel_View(t *testing.T) {
	m := NewModel(make(chan any), []string{"a"}, false)
	m, _ = step(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m, _ = step(t, m, events.TransferStartedMsg{TransferID: "a", DestPath: "/tmp/archive.zip"})
	m, _ = step(t, m, events.ProgressMsg{TransferID: "a", Downloaded: 1024, Total: 4096, ChunksDone: 1, ChunksTotal: 4})

	out := m.View()
	for _, want := range []string{"archive.zip", "running", "chunks 1/4", "1.0 KiB / 4.0 KiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q:\n%s", want, out)
		}
	}
}

func TestReporter_PrintsLifecycle(t *testing.T) {
	ch := make(chan any, 16)
	var buf bytes.Buffer
	r := NewReporter(&buf, ch, []string{"abcdef0123456789"}, false)

	id := "abcdef0123456789"
	ch <- events.TransferStartedMsg{TransferID: id, DestPath: "/tmp/out.iso"}
	for _, n := range []int64{10, 55, 56, 100} {
		ch <- events.ProgressMsg{TransferID: id, Downloaded: n, Total: 100}
	}
	ch <- events.TransferCompleteMsg{TransferID: id, Path: "/tmp/out.iso", Size: 100}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := r.Run(ctx)

	if !m.Done() || m.Interrupted() {
		t.Fatalf("done=%v interrupted=%v", m.Done(), m.Interrupted())
	}
	out := buf.String()
	if !strings.Contains(out, "Started:   out.iso [abcdef01]") {
		t.Errorf("missing start line:\n%s", out)
	}
	if !strings.Contains(out, "Completed: /tmp/out.iso [abcdef01]") {
		t.Errorf("missing completion line:\n%s", out)
	}
	// 55 and 56 fall in the same 10% step
	if n := strings.Count(out, " 55%") + strings.Count(out, " 56%"); n != 1 {
		t.Errorf("expected one line for the 50%% step, got %d:\n%s", n, out)
	}
}

func TestReporter_ContextCancelInterrupts(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf, make(chan any), []string{"a"}, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if m := r.Run(ctx); !m.Interrupted() {
		t.Error("expected interrupted")
	}
}

func TestIsTerminal_File(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("a regular file is not a terminal")
	}
}
