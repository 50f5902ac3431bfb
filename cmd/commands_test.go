package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/filetransfer/internal/config"
	"github.com/surge-downloader/filetransfer/internal/engine/state"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/testutil"
)

// lockedBuffer is written by the reporter goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func resetCommandFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		getFlags = addFlags{}
		addOpts = addFlags{}
		listJSON = false
		resumeAll = false
	})
}

func seedState(t *testing.T, id string, status types.TransferStatus) {
	t.Helper()
	require.NoError(t, config.EnsureDirs())
	store, err := state.Open(config.GetStateDBPath())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	st := types.TransferState{
		Request: types.TransferRequest{
			ID:                  id,
			SourceURL:           "https://example.com/" + id,
			DestinationPath:     filepath.Join(t.TempDir(), "out.bin"),
			Resumable:           true,
			MaxConcurrentChunks: 2,
		},
		Plan: types.ChunkPlan{TotalSize: 10, RangeSupport: true, Chunks: []types.ChunkSpec{
			{Index: 0, Start: 0, End: 4},
			{Index: 1, Start: 5, End: 9},
		}},
		Chunks: []types.ChunkState{
			{Index: 0, BytesWritten: 5, Status: types.ChunkSucceeded},
			{Index: 1, Status: types.ChunkPending},
		},
		Status:    status,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Save(context.Background(), st))
}

func TestGetCommand_DownloadsIntoDirectory(t *testing.T) {
	requireTCPListener(t)
	isolateConfig(t)
	resetCommandFlags(t)

	origin := testutil.NewMockServerT(t,
		testutil.WithFileSize(300*1024),
		testutil.WithFilename("report.pdf"),
	)

	progress := &lockedBuffer{}
	plainProgress(t, progress)

	dest := t.TempDir()
	_, err := executeCommand(t, "get", origin.URL(), "-o", dest+string(filepath.Separator), "-c", "3")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, origin.Data(), got)

	out := progress.String()
	assert.Contains(t, out, "Started:")
	assert.Contains(t, out, "Completed:")
}

func TestGetCommand_NoURLs(t *testing.T) {
	isolateConfig(t)
	resetCommandFlags(t)

	_, err := executeCommand(t, "get")
	assert.ErrorContains(t, err, "no URLs")
}

func TestListAndRemove_Persisted(t *testing.T) {
	isolateConfig(t)
	resetCommandFlags(t)

	const id = "abcd1234-5678-90ab-cdef-000000000001"
	seedState(t, id, types.StatusPaused)

	out, err := executeCommand(t, "ls", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, `"status": "paused"`)

	listJSON = false
	out, err = executeCommand(t, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "abcd1234")
	assert.Contains(t, out, "paused")

	out, err = executeCommand(t, "rm", "abcd")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed abcd1234")

	out, err = executeCommand(t, "ls")
	require.NoError(t, err)
	assert.Equal(t, "No transfers.", strings.TrimSpace(out))
}

func TestRemove_CompletedRowDeleted(t *testing.T) {
	isolateConfig(t)
	resetCommandFlags(t)

	const id = "ffff0000-5678-90ab-cdef-000000000002"
	seedState(t, id, types.StatusCompleted)

	out, err := executeCommand(t, "rm", "ffff")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed ffff0000")

	states, err := listPersisted(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestRemove_UnknownID(t *testing.T) {
	isolateConfig(t)
	resetCommandFlags(t)
	seedState(t, "1111aaaa-0000-0000-0000-000000000000", types.StatusPaused)

	_, err := executeCommand(t, "rm", "9999")
	assert.ErrorContains(t, err, "1 of 1")
}

func TestResume_NeedsArgs(t *testing.T) {
	isolateConfig(t)
	resetCommandFlags(t)

	_, err := executeCommand(t, "resume")
	assert.Error(t, err)
}

func TestPause_RequiresServer(t *testing.T) {
	isolateConfig(t)
	resetCommandFlags(t)

	_, err := executeCommand(t, "pause", "abcd")
	assert.ErrorContains(t, err, "not running")
}
