package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/filetransfer/internal/utils"
)

func (m Model) View() string {
	var b strings.Builder

	header := TitleStyle.Render("filetransfer")
	stats := StatsStyle.Render(m.summary())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, header, stats))
	b.WriteString("\n")

	if len(m.transfers) == 0 {
		b.WriteString(ItemStyle.Render("Waiting for transfers..."))
		b.WriteString("\n")
	}

	cardWidth := m.width - HeaderWidthOffset*2
	for _, t := range m.transfers {
		b.WriteString(renderCard(t, cardWidth))
		b.WriteString("\n")
	}

	if !m.Done() {
		b.WriteString(StatusBarStyle.Render("q: quit"))
		b.WriteString("\n")
	}
	return AppStyle.Render(b.String())
}

// summary is the header line: counts per phase plus total throughput.
func (m Model) summary() string {
	var active, done, failed int
	var speed float64
	for _, t := range m.transfers {
		switch t.Phase {
		case PhaseRunning, PhaseWaiting:
			active++
			speed += t.Speed
		case PhaseCompleted:
			done++
		case PhaseFailed, PhaseCancelled:
			failed++
		}
	}
	s := fmt.Sprintf("%d active · %d done", active, done)
	if failed > 0 {
		s += fmt.Sprintf(" · %d failed", failed)
	}
	if speed > 0 {
		s += " · " + utils.FormatSpeed(speed)
	}
	return s
}

func renderCard(t *TransferView, width int) string {
	name := t.Name()
	if len(name) > MaxNameWidth {
		name = name[:MaxNameWidth-3] + "..."
	}

	lines := []string{
		CardTitleStyle.Render(name) + "  " + phaseStyle(t.Phase).Render(t.Phase.String()),
		t.progress.ViewAs(t.Percent()),
		CardStatsStyle.Render(statsLine(t)),
	}
	if t.Err != nil {
		lines = append(lines, ErrorStyle.Render(t.Err.Error()))
	}

	style := CardStyle
	if t.Phase == PhaseRunning {
		style = SelectedCardStyle
	}
	if width > 0 {
		style = style.Width(width)
	}
	return style.Render(strings.Join(lines, "\n"))
}

// statsLine formats "done / total · speed · ETA · chunks".
func statsLine(t *TransferView) string {
	parts := []string{utils.FormatBytes(t.Downloaded) + " / " + utils.FormatBytes(t.Total)}
	if t.Phase == PhaseRunning {
		parts = append(parts, utils.FormatSpeed(t.Speed))
		if eta := utils.FormatETA(t.Downloaded, t.Total, t.Speed); eta != "" {
			parts = append(parts, "ETA "+eta)
		}
	}
	if t.ChunksTotal > 0 {
		parts = append(parts, fmt.Sprintf("chunks %d/%d", t.ChunksDone, t.ChunksTotal))
	}
	if t.Phase == PhaseCompleted && t.Elapsed > 0 {
		parts = append(parts, "in "+t.Elapsed.Round(10*time.Millisecond).String())
	}
	return strings.Join(parts, " · ")
}

func phaseStyle(p Phase) lipgloss.Style {
	switch p {
	case PhaseCompleted:
		return SuccessStyle
	case PhaseFailed, PhaseCancelled:
		return ErrorStyle
	case PhasePaused:
		return WarningStyle
	}
	return ItemStyle
}
