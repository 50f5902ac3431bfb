package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/surge-downloader/filetransfer/internal/config"
	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/download"
	"github.com/surge-downloader/filetransfer/internal/engine/state"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// readActivePort reads the port from the port file
func readActivePort() int {
	data, err := os.ReadFile(config.GetPortFile())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return port
}

// saveActivePort writes the active port for CLI discovery
func saveActivePort(port int) {
	if err := os.WriteFile(config.GetPortFile(), []byte(strconv.Itoa(port)), 0o644); err != nil {
		utils.Debug("Error writing port file: %v", err)
	}
}

// removeActivePort cleans up the port file on exit
func removeActivePort() {
	if err := os.Remove(config.GetPortFile()); err != nil && !os.IsNotExist(err) {
		utils.Debug("Error removing port file: %v", err)
	}
}

// readURLsFromFile reads URLs from a file, one per line. Blank lines and
// lines starting with # are skipped.
func readURLsFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var urls []string
	scanner := bufio.NewScanner(file)

	// Increase buffer size for long URLs (default is 64KB, increase to 1MB)
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, maxCapacity), maxCapacity)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return urls, nil
}

// parseHeaders turns repeated "Name: value" flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func resolveLocalToken() string {
	if token := strings.TrimSpace(globalToken); token != "" {
		return token
	}
	if token := strings.TrimSpace(os.Getenv("FILETRANSFER_TOKEN")); token != "" {
		return token
	}
	return ensureAuthToken()
}

func resolveHostTarget() string {
	if host := strings.TrimSpace(globalHost); host != "" {
		return host
	}
	return strings.TrimSpace(os.Getenv("FILETRANSFER_HOST"))
}

// resolveTokenForTarget only falls back to the local token file for
// loopback targets; remote servers need an explicit token.
func resolveTokenForTarget(target string) (string, error) {
	if token := strings.TrimSpace(globalToken); token != "" {
		return token, nil
	}
	if token := strings.TrimSpace(os.Getenv("FILETRANSFER_TOKEN")); token != "" {
		return token, nil
	}
	host := hostnameFromTarget(target)
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	if isLoopbackHost(host) {
		return ensureAuthToken(), nil
	}
	return "", errors.New("no token provided for remote server: use --token or set FILETRANSFER_TOKEN")
}

// resolveAPIConnection finds the server to talk to: --host, then the local
// port file. With requireServer false an empty base URL means "run locally".
func resolveAPIConnection(requireServer bool) (string, string, error) {
	target := resolveHostTarget()
	if target == "" {
		port := readActivePort()
		if port > 0 {
			return fmt.Sprintf("http://127.0.0.1:%d", port), resolveLocalToken(), nil
		}
		if !requireServer {
			return "", "", nil
		}
		return "", "", errors.New("filetransfer server is not running locally. start it with 'filetransfer server start' or pass --host")
	}

	baseURL, err := resolveConnectBaseURL(target, false)
	if err != nil {
		return "", "", err
	}
	token, err := resolveTokenForTarget(target)
	if err != nil {
		return "", "", err
	}
	return baseURL, token, nil
}

// remoteService returns a client for the running server, or nil when none
// is running and requireServer is false.
func remoteService(requireServer bool) (*core.RemoteTransferService, error) {
	baseURL, token, err := resolveAPIConnection(requireServer)
	if err != nil || baseURL == "" {
		return nil, err
	}
	return core.NewRemoteTransferService(baseURL, token), nil
}

// listPersisted reads the transfers saved in the local state database.
func listPersisted(ctx context.Context) ([]types.TransferState, error) {
	if _, err := os.Stat(config.GetStateDBPath()); os.IsNotExist(err) {
		return nil, nil
	}
	store, err := state.Open(config.GetStateDBPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	return store.List(ctx)
}

// resolveTransferID expands a unique ID prefix to the full ID.
func resolveTransferID(ctx context.Context, svc core.TransferService, partialID string) (string, error) {
	if len(partialID) >= 32 {
		return partialID, nil // Already a full UUID
	}

	var candidates []string
	if svc != nil {
		infos, err := svc.List()
		if err != nil {
			return "", fmt.Errorf("failed to list transfers: %w", err)
		}
		for _, info := range infos {
			candidates = append(candidates, info.ID)
		}
	} else {
		states, err := listPersisted(ctx)
		if err != nil {
			return "", err
		}
		for _, st := range states {
			candidates = append(candidates, st.Request.ID)
		}
	}
	return resolveIDFromCandidates(partialID, candidates)
}

func resolveIDFromCandidates(partialID string, candidates []string) (string, error) {
	var matches []string
	seen := make(map[string]bool)

	for _, id := range candidates {
		if strings.HasPrefix(id, partialID) && !seen[id] {
			matches = append(matches, id)
			seen[id] = true
		}
	}

	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("ambiguous ID prefix '%s' matches %d transfers", partialID, len(matches))
	}

	return partialID, nil // No match, use as-is (will fail with "not found" later)
}

func resolveConnectBaseURL(target string, allowInsecureHTTP bool) (string, error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("invalid target: %v", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("unsupported scheme %q (use http or https)", u.Scheme)
		}
		if u.Host == "" {
			return "", errors.New("invalid target: missing host")
		}
		if u.Scheme == "http" && !allowInsecureHTTP && !isLoopbackHost(u.Hostname()) {
			return "", errors.New("refusing insecure HTTP for non-loopback target. Use https:// or --insecure-http")
		}
		return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
	}

	scheme := "https"
	if isLoopbackHost(hostnameFromTarget(target)) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, target), nil
}

func hostnameFromTarget(target string) string {
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}

func isLoopbackHost(host string) bool {
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printTransfers renders infos as a table.
func printTransfers(w io.Writer, infos []download.Info) {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		p := info.Progress
		size := utils.FormatBytes(p.BytesCompleted)
		if p.BytesTotal != nil {
			size += " / " + utils.FormatBytes(*p.BytesTotal)
		}
		name := info.Destination
		if info.Path != "" {
			name = info.Path
		}
		status := info.Status.String()
		if info.Error != "" {
			status += ": " + info.Error
		}
		rows = append(rows, []string{
			shortID(info.ID),
			status,
			size,
			name,
			info.CreatedAt.Local().Format(time.DateTime),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATUS", "PROGRESS", "DESTINATION", "ADDED").
		Rows(rows...)
	_, _ = fmt.Fprintln(w, t.String())
}

// persistedInfos converts saved state rows into the list view.
func persistedInfos(states []types.TransferState) []download.Info {
	infos := make([]download.Info, 0, len(states))
	for _, st := range states {
		info := download.Info{
			ID:          st.Request.ID,
			URL:         st.Request.SourceURL,
			Destination: st.Request.DestinationPath,
			Status:      st.Status,
			Resumable:   st.Request.Resumable,
			Error:       st.Error,
			CreatedAt:   st.CreatedAt,
		}
		if st.Status == types.StatusCompleted {
			info.Path = st.FinalPath
		}
		info.Progress.TransferID = st.Request.ID
		info.Progress.BytesCompleted = st.BytesCompleted()
		info.Progress.ChunksDone = st.ChunksDone()
		info.Progress.ChunksTotal = len(st.Chunks)
		if st.Plan.KnownSize() {
			total := st.Plan.TotalSize
			info.Progress.BytesTotal = &total
		}
		infos = append(infos, info)
	}
	return infos
}
