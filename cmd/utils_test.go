package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/filetransfer/internal/config"
)

func TestResolveIDFromCandidates(t *testing.T) {
	candidates := []string{
		"aaaa1111-0000-0000-0000-000000000000",
		"aaaa2222-0000-0000-0000-000000000000",
		"bbbb1111-0000-0000-0000-000000000000",
		"bbbb1111-0000-0000-0000-000000000000", // duplicate from two sources
	}

	tests := []struct {
		name    string
		partial string
		want    string
		wantErr bool
	}{
		{"unique prefix", "aaaa1", candidates[0], false},
		{"duplicate collapses", "bbbb", candidates[2], false},
		{"ambiguous", "aaaa", "", true},
		{"no match passes through", "cccc", "cccc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveIDFromCandidates(tt.partial, candidates)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHeaders(t *testing.T) {
	got, err := parseHeaders([]string{"Authorization: Bearer x", " X-Trace :  abc "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer x", "X-Trace": "abc"}, got)

	got, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)
	_, err = parseHeaders([]string{": empty-name"})
	assert.Error(t, err)
}

func TestReadURLsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# comment\nhttps://example.com/a\n\n   https://example.com/b  \n#https://example.com/skip\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	urls, err := readURLsFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, urls)

	_, err = readURLsFromFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestURLsFromText(t *testing.T) {
	text := "see https://example.com/file.zip and\nhttp://mirror.local:8080/x ftp://nope/y plain words"
	assert.Equal(t, []string{"https://example.com/file.zip", "http://mirror.local:8080/x"}, urlsFromText(text))
	assert.Empty(t, urlsFromText("nothing here"))
}

func TestResolveConnectBaseURL(t *testing.T) {
	tests := []struct {
		target   string
		insecure bool
		want     string
		wantErr  bool
	}{
		{"127.0.0.1:7878", false, "http://127.0.0.1:7878", false},
		{"localhost:7878", false, "http://localhost:7878", false},
		{"files.example.com:443", false, "https://files.example.com:443", false},
		{"https://files.example.com/some/path", false, "https://files.example.com", false},
		{"http://files.example.com", false, "", true},
		{"http://files.example.com", true, "http://files.example.com", false},
		{"ftp://files.example.com", false, "", true},
		{"http://", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := resolveConnectBaseURL(tt.target, tt.insecure)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, isLoopbackHost("localhost"))
	assert.True(t, isLoopbackHost("LOCALHOST"))
	assert.True(t, isLoopbackHost("127.0.0.1"))
	assert.True(t, isLoopbackHost("::1"))
	assert.False(t, isLoopbackHost("10.0.0.1"))
	assert.False(t, isLoopbackHost("example.com"))
	assert.False(t, isLoopbackHost(""))
}

func TestResolveTokenForTarget(t *testing.T) {
	isolateConfig(t)
	savedToken := globalToken
	t.Cleanup(func() { globalToken = savedToken })

	globalToken = ""
	local, err := resolveTokenForTarget("127.0.0.1:7878")
	require.NoError(t, err)
	assert.NotEmpty(t, local)

	_, err = resolveTokenForTarget("files.example.com:443")
	assert.Error(t, err, "remote targets need an explicit token")

	globalToken = "explicit"
	got, err := resolveTokenForTarget("https://files.example.com")
	require.NoError(t, err)
	assert.Equal(t, "explicit", got)
}

func TestActivePortFile(t *testing.T) {
	isolateConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(config.GetPortFile()), 0o755))

	assert.Equal(t, 0, readActivePort())
	saveActivePort(4321)
	assert.Equal(t, 4321, readActivePort())
	removeActivePort()
	assert.Equal(t, 0, readActivePort())
}

func TestResolveAPIConnection_NoServer(t *testing.T) {
	isolateConfig(t)
	savedHost := globalHost
	t.Cleanup(func() { globalHost = savedHost })
	globalHost = ""

	base, token, err := resolveAPIConnection(false)
	require.NoError(t, err)
	assert.Empty(t, base)
	assert.Empty(t, token)

	_, _, err = resolveAPIConnection(true)
	assert.Error(t, err)

	svc, err := remoteService(false)
	require.NoError(t, err)
	assert.Nil(t, svc)
}

func TestAddFlags_Request(t *testing.T) {
	f := addFlags{
		output:   "/tmp/out/",
		headers:  []string{"X-A: 1"},
		chunks:   3,
		rate:     "2MiB",
		noResume: true,
	}
	req, err := f.request("https://example.com/f")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out/", req.Destination)
	assert.Equal(t, map[string]string{"X-A": "1"}, req.Headers)
	assert.Equal(t, 3, req.MaxConcurrentChunks)
	assert.Equal(t, int64(2*1024*1024), req.RateLimit)
	require.NotNil(t, req.Resumable)
	assert.False(t, *req.Resumable)

	_, err = (&addFlags{rate: "fast"}).request("https://example.com/f")
	assert.Error(t, err)
	_, err = (&addFlags{chunks: -2}).request("https://example.com/f")
	assert.Error(t, err)

	req, err = (&addFlags{}).request("https://example.com/f")
	require.NoError(t, err)
	assert.Nil(t, req.Resumable, "resumable defaults come from settings")
}

func TestAddFlags_URLs(t *testing.T) {
	saved := clipboardReadAll
	t.Cleanup(func() { clipboardReadAll = saved })

	batch := filepath.Join(t.TempDir(), "batch.txt")
	require.NoError(t, os.WriteFile(batch, []byte("https://example.com/b\n"), 0o644))

	clipboardReadAll = func() (string, error) { return "copied https://example.com/c", nil }
	f := addFlags{batch: batch, clipboard: true}
	urls, err := f.urls([]string{"https://example.com/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}, urls)

	clipboardReadAll = func() (string, error) { return "", errors.New("no clipboard utility") }
	_, err = f.urls(nil)
	assert.ErrorContains(t, err, "clipboard")

	_, err = (&addFlags{}).urls(nil)
	assert.Error(t, err)
}
