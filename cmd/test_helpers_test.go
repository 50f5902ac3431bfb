package cmd

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"testing"

	"github.com/surge-downloader/filetransfer/internal/config"
	"github.com/surge-downloader/filetransfer/internal/tui"
)

func requireTCPListener(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp listener unavailable: %v", err)
		return
	}
	_ = ln.Close()
}

// isolateConfig points the app dir at a fresh temp dir for one test.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	saved := settings
	settings = config.DefaultSettings()
	t.Cleanup(func() { settings = saved })
	return dir
}

// executeCommand runs the root command with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// plainProgress swaps the progress view for the line reporter writing to w.
func plainProgress(t *testing.T, w io.Writer) {
	t.Helper()
	saved := runProgress
	runProgress = func(ctx context.Context, _ *os.File, events <-chan any, ids []string, exitWhenDone bool) (tui.Model, error) {
		return tui.NewReporter(w, events, ids, exitWhenDone).Run(ctx), nil
	}
	t.Cleanup(func() { runProgress = saved })
}
