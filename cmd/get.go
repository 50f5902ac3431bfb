package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/tui"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// Seams for tests.
var (
	clipboardReadAll = clipboard.ReadAll
	runProgress      = tui.Run
)

// addFlags are the per-transfer options shared by get and add.
type addFlags struct {
	output     string
	batch      string
	headers    []string
	chunks     int
	rate       string
	noResume   bool
	background bool
	clipboard  bool
}

func (f *addFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Destination file or directory (trailing / for a directory)")
	cmd.Flags().StringVarP(&f.batch, "batch", "b", "", "File containing URLs to download (one per line)")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "Extra request header, \"Name: value\" (repeatable)")
	cmd.Flags().IntVarP(&f.chunks, "chunks", "c", 0, "Maximum concurrent chunks (default from settings)")
	cmd.Flags().StringVar(&f.rate, "rate", "", "Bandwidth cap per transfer, e.g. 2MiB")
	cmd.Flags().BoolVar(&f.noResume, "no-resume", false, "Do not keep resume state; interrupted transfers are discarded")
	cmd.Flags().BoolVar(&f.clipboard, "clipboard", false, "Also read URLs from the clipboard")
}

// request builds the AddRequest for one URL.
func (f *addFlags) request(rawURL string) (core.AddRequest, error) {
	headers, err := parseHeaders(f.headers)
	if err != nil {
		return core.AddRequest{}, err
	}
	req := core.AddRequest{
		URL:                 rawURL,
		Destination:         f.output,
		Headers:             headers,
		MaxConcurrentChunks: f.chunks,
		Background:          f.background,
	}
	if f.chunks < 0 {
		return core.AddRequest{}, fmt.Errorf("--chunks must be positive, got %d", f.chunks)
	}
	if f.rate != "" {
		if req.RateLimit, err = utils.ParseSize(f.rate); err != nil {
			return core.AddRequest{}, fmt.Errorf("invalid --rate %q: %w", f.rate, err)
		}
	}
	if f.noResume {
		no := false
		req.Resumable = &no
	}
	return req, nil
}

// urls gathers URLs from args, the batch file and the clipboard.
func (f *addFlags) urls(args []string) ([]string, error) {
	urls := append([]string(nil), args...)

	if f.batch != "" {
		fileURLs, err := readURLsFromFile(f.batch)
		if err != nil {
			return nil, fmt.Errorf("error reading batch file: %w", err)
		}
		urls = append(urls, fileURLs...)
	}

	if f.clipboard {
		text, err := clipboardReadAll()
		if err != nil {
			return nil, fmt.Errorf("error reading clipboard: %w", err)
		}
		urls = append(urls, urlsFromText(text)...)
	}

	if len(urls) == 0 {
		return nil, errors.New("no URLs given")
	}
	return urls, nil
}

// urlsFromText picks http(s) URLs out of free text.
func urlsFromText(text string) []string {
	var urls []string
	for _, field := range strings.Fields(text) {
		u, err := url.Parse(field)
		if err != nil || u.Host == "" {
			continue
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			urls = append(urls, field)
		}
	}
	return urls
}

var getFlags addFlags

var getCmd = &cobra.Command{
	Use:   "get [url]...",
	Short: "Download files in this process and show their progress",
	Long: `get downloads one or more URLs in parallel byte ranges and waits for them.
Interrupted resumable transfers are paused and can be continued with 'filetransfer resume'.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls, err := getFlags.urls(args)
		if err != nil {
			return err
		}

		svc, store, err := openLocalService(nil)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stream, stop, err := svc.StreamEvents(context.Background())
		if err != nil {
			_ = svc.Shutdown()
			return err
		}
		defer stop()

		var ids []string
		for _, u := range urls {
			req, err := getFlags.request(u)
			if err == nil {
				var id string
				if id, err = svc.Add(req); err == nil {
					ids = append(ids, id)
					continue
				}
			}
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", u, err)
		}
		if len(ids) == 0 {
			_ = svc.Shutdown()
			return errors.New("no transfers started")
		}

		return followLocal(ctx, svc, stream, ids)
	},
}

// followLocal shows progress for ids until they finish, then shuts svc
// down. Interrupted transfers are paused if resumable and cancelled
// otherwise.
func followLocal(ctx context.Context, svc *core.LocalTransferService, stream <-chan any, ids []string) error {
	m, runErr := runProgress(ctx, os.Stdout, stream, ids, true)

	var paused []string
	if m.Interrupted() {
		fmt.Fprintln(os.Stderr, "Interrupted, stopping transfers...")
		for _, id := range ids {
			info, err := svc.GetStatus(id)
			if err != nil || info.Status.Terminal() {
				continue
			}
			if !info.Resumable {
				_ = svc.Cancel(id)
				continue
			}
			paused = append(paused, id)
		}
	}

	if err := svc.Shutdown(); err != nil {
		utils.Debug("shutdown: %v", err)
	}
	for _, id := range paused {
		fmt.Fprintf(os.Stderr, "Paused %s, continue with: filetransfer resume %s\n", shortID(id), shortID(id))
	}

	if runErr != nil {
		return runErr
	}
	if failed := m.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(ids))
	}
	if m.Interrupted() {
		return errors.New("interrupted")
	}
	return nil
}

func init() {
	getFlags.register(getCmd)
	rootCmd.AddCommand(getCmd)
}
