package tui

const (
	// Layout Offsets and Padding
	HeaderWidthOffset      = 2
	ProgressBarWidthOffset = 4
	DefaultPaddingX        = 1
	DefaultPaddingY        = 0

	// Widths used before the first WindowSizeMsg arrives
	DefaultWidth         = 80
	DefaultProgressWidth = 40
	MaxNameWidth         = 48

	// ReportStep is how far (as a fraction) a transfer must advance before
	// the plain reporter prints another progress line.
	ReportStep = 0.10
)
