package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"

	"github.com/surge-downloader/filetransfer/internal/engine/events"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// IsTerminal reports whether f can show the live view. Redirected output
// and NO_COLOR environments get plain lines instead.
func IsTerminal(f *os.File) bool {
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

// Run shows progress for ids until they finish, ctx ends or the user quits.
// It picks the live view on a terminal and the plain reporter otherwise.
func Run(ctx context.Context, out *os.File, events <-chan any, ids []string, exitWhenDone bool) (Model, error) {
	if !IsTerminal(out) {
		return NewReporter(out, events, ids, exitWhenDone).Run(ctx), nil
	}

	p := tea.NewProgram(NewModel(events, ids, exitWhenDone), tea.WithOutput(out), tea.WithContext(ctx))
	final, err := p.Run()
	m, _ := final.(Model)
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			m.interrupted = true
			return m, nil
		}
		return m, err
	}
	return m, nil
}

// Reporter prints one line per lifecycle change, and a progress line each
// time a transfer advances by ReportStep.
type Reporter struct {
	w     io.Writer
	model Model
	steps map[string]int
}

// NewReporter follows ids on events the same way NewModel does.
func NewReporter(w io.Writer, events <-chan any, ids []string, exitWhenDone bool) *Reporter {
	return &Reporter{
		w:     w,
		model: NewModel(events, ids, exitWhenDone),
		steps: make(map[string]int),
	}
}

// Run consumes events until the followed transfers finish, the stream
// closes or ctx ends.
func (r *Reporter) Run(ctx context.Context) Model {
	for {
		select {
		case <-ctx.Done():
			r.model.interrupted = !r.model.Done()
			return r.model
		case msg, ok := <-r.model.events:
			if !ok {
				r.model.closed = true
				return r.model
			}
			if r.Handle(msg) {
				return r.model
			}
		}
	}
}

// Handle applies msg and prints what changed. It returns true once the
// reporter should stop.
func (r *Reporter) Handle(msg any) bool {
	before := PhaseWaiting
	if t, ok := r.model.index[events.TransferID(msg)]; ok {
		before = t.Phase
	}

	t := r.model.apply(msg)
	if t == nil {
		return false
	}

	short := t.ID
	if len(short) > 8 {
		short = short[:8]
	}

	if t.Phase != before {
		switch t.Phase {
		case PhaseRunning:
			if before == PhasePaused {
				r.printf("Resumed:   %s [%s]\n", t.Name(), short)
			} else if before == PhaseWaiting {
				r.printf("Started:   %s [%s]\n", t.Name(), short)
			}
		case PhasePaused:
			r.printf("Paused:    %s [%s] at %s\n", t.Name(), short, utils.FormatBytes(t.Downloaded))
		case PhaseCompleted:
			r.printf("Completed: %s [%s] %s in %s\n", t.Path, short, utils.FormatBytes(t.Total), t.Elapsed.Round(time.Millisecond))
		case PhaseFailed:
			r.printf("Failed:    %s [%s]: %v\n", t.Name(), short, t.Err)
		case PhaseCancelled:
			r.printf("Cancelled: %s [%s]\n", t.Name(), short)
		}
	} else if t.Phase == PhaseRunning && t.Total > 0 {
		step := int(t.Percent() / ReportStep)
		if step > r.steps[t.ID] {
			r.steps[t.ID] = step
			r.printf("           %s [%s] %3.0f%% %s / %s %s\n", t.Name(), short, t.Percent()*100,
				utils.FormatBytes(t.Downloaded), utils.FormatBytes(t.Total), utils.FormatSpeed(t.Speed))
		}
	}

	return r.model.exitWhenDone && r.model.Done()
}

func (r *Reporter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}
