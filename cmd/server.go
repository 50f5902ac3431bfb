package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/filetransfer/internal/api"
	"github.com/surge-downloader/filetransfer/internal/background"
	"github.com/surge-downloader/filetransfer/internal/config"
	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/tui"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the filetransfer background server (daemon)",
	Long:  `Start, stop, or check the status of the filetransfer server.`,
}

var serverStartCmd = &cobra.Command{
	Use:   "start [url]...",
	Short: "Start the server in headless mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		batchFile, _ := cmd.Flags().GetString("batch")
		exitWhenDone, _ := cmd.Flags().GetBool("exit-when-done")
		noResume, _ := cmd.Flags().GetBool("no-resume")

		urls := append([]string(nil), args...)
		if batchFile != "" {
			fileURLs, err := readURLsFromFile(batchFile)
			if err != nil {
				return fmt.Errorf("error reading batch file: %w", err)
			}
			urls = append(urls, fileURLs...)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runServer(ctx, serverOptions{
			listen:       listen,
			urls:         urls,
			exitWhenDone: exitWhenDone,
			noResume:     noResume,
			out:          cmd.OutOrStdout(),
		})
	},
}

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := readPID()
		if pid == 0 {
			fmt.Println("No running filetransfer server found (PID file missing).")
			return nil
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("error finding process: %w", err)
		}

		// Try to send SIGTERM
		if err := process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("error stopping server: %w", err)
		}

		fmt.Printf("Sent stop signal to process %d\n", pid)
		return nil
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the server",
	Run: func(cmd *cobra.Command, args []string) {
		pid := readPID()
		if pid == 0 {
			fmt.Println("filetransfer server is NOT running.")
			return
		}

		// Check if process exists
		process, err := os.FindProcess(pid)
		if err != nil {
			fmt.Printf("filetransfer server is NOT running (Process %d not found).\n", pid)
			return
		}

		// Sending signal 0 to check existence
		if err := process.Signal(syscall.Signal(0)); err != nil {
			fmt.Printf("filetransfer server is NOT running (Process %d dead).\n", pid)
			return
		}

		port := readActivePort()
		fmt.Printf("filetransfer server is running (PID: %d, Port: %d).\n", pid, port)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverStopCmd)
	serverCmd.AddCommand(serverStatusCmd)

	serverStartCmd.Flags().String("listen", "", "Address to listen on (default from settings)")
	serverStartCmd.Flags().StringP("batch", "b", "", "File containing URLs to download")
	serverStartCmd.Flags().Bool("exit-when-done", false, "Exit when all transfers finish")
	serverStartCmd.Flags().Bool("no-resume", false, "Do not auto-resume paused transfers on startup")
}

func savePID() {
	pid := os.Getpid()
	if err := os.WriteFile(config.GetPIDFile(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		utils.Debug("Error writing PID file: %v", err)
	}
}

func removePID() {
	if err := os.Remove(config.GetPIDFile()); err != nil && !os.IsNotExist(err) {
		utils.Debug("Error removing PID file: %v", err)
	}
}

func readPID() int {
	data, err := os.ReadFile(config.GetPIDFile())
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

type serverOptions struct {
	listen       string
	urls         []string
	exitWhenDone bool
	noResume     bool
	out          io.Writer

	// ready receives the base URL once the API is accepting connections.
	ready chan<- string
}

// runServer serves the control API until ctx ends, the listener fails or,
// with exitWhenDone, every transfer has finished. Running transfers are
// paused on the way out so a later start can resume them.
func runServer(ctx context.Context, opts serverOptions) (err error) {
	log := utils.Logger("server")

	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("create app dirs: %w", err)
	}
	lock := flock.New(config.GetLockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("filetransfer server is already running")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			utils.Debug("Error releasing lock: %v", err)
		}
	}()

	pool := background.NewPool(settings.Server.MaxBackground)
	svc, store, err := openLocalService(pool)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	listen := opts.listen
	if listen == "" {
		listen = settings.Server.ListenAddr
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		_ = svc.Shutdown()
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	saveActivePort(ln.Addr().(*net.TCPAddr).Port)
	defer removeActivePort()
	savePID()
	defer removePID()

	srv := api.NewServer(svc, ensureAuthToken(), Version)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	stream, stop, err := svc.StreamEvents(ctx)
	if err != nil {
		return err
	}
	defer stop()
	reported := make(chan tui.Model, 1)
	go func() {
		reported <- tui.NewReporter(opts.out, stream, nil, opts.exitWhenDone).Run(ctx)
	}()

	restored, rerr := svc.Manager().Restore(ctx, nil, nil)
	if rerr != nil {
		log.Warn().Err(rerr).Msg("could not restore saved transfers")
	}
	if settings.General.AutoResume && !opts.noResume {
		for _, id := range restored {
			if err := svc.Resume(id); err != nil {
				log.Warn().Err(err).Str("id", id).Msg("auto-resume failed")
			}
		}
	}

	for _, u := range opts.urls {
		if _, err := svc.Add(core.AddRequest{URL: u}); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", u, err)
		}
	}

	_, _ = fmt.Fprintf(opts.out, "filetransfer %s running in server mode on %s\n", Version, ln.Addr())
	if opts.ready != nil {
		opts.ready <- "http://" + ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	case <-reported:
		if opts.exitWhenDone {
			_, _ = fmt.Fprintln(opts.out, "All transfers finished. Exiting...")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("API shutdown")
	}
	pool.RevokeAll()
	if serr := svc.Shutdown(); serr != nil {
		log.Warn().Err(serr).Msg("transfer shutdown")
	}
	return err
}
