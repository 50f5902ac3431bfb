package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/filetransfer/internal/config"
	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/download"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/testutil"
)

// startServer runs runServer in the background and returns its base URL
// and a channel carrying its result.
func startServer(t *testing.T, ctx context.Context) (string, <-chan error) {
	t.Helper()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServer(ctx, serverOptions{
			listen: "127.0.0.1:0",
			out:    io.Discard,
			ready:  ready,
		})
	}()

	select {
	case base := <-ready:
		return base, done
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not become ready")
	}
	return "", nil
}

func TestRunServer_RemoteRoundTrip(t *testing.T) {
	requireTCPListener(t)
	isolateConfig(t)

	origin := testutil.NewMockServerT(t,
		testutil.WithFileSize(256*1024),
		testutil.WithFilename("data.bin"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base, done := startServer(t, ctx)

	assert.Greater(t, readActivePort(), 0, "port file written")
	assert.Equal(t, os.Getpid(), readPID())

	remote := core.NewRemoteTransferService(base, ensureAuthToken())
	defer func() { _ = remote.Shutdown() }()

	dest := t.TempDir() + string(filepath.Separator)
	id, err := remote.Add(core.AddRequest{URL: origin.URL(), Destination: dest})
	require.NoError(t, err)

	var info *download.Info
	require.Eventually(t, func() bool {
		info, err = remote.GetStatus(id)
		return err == nil && info.Status == types.StatusCompleted
	}, 15*time.Second, 50*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dest, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, origin.Data(), got)

	// The lock keeps a second server out.
	err = runServer(ctx, serverOptions{listen: "127.0.0.1:0", out: io.Discard})
	assert.ErrorContains(t, err, "already running")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}

	_, statErr := os.Stat(config.GetPortFile())
	assert.True(t, os.IsNotExist(statErr), "port file removed on exit")
	assert.Equal(t, 0, readPID())
}

func TestRunServer_ListenError(t *testing.T) {
	isolateConfig(t)

	err := runServer(context.Background(), serverOptions{listen: "not-an-address", out: io.Discard})
	assert.Error(t, err)
	assert.Equal(t, 0, readActivePort())
}
