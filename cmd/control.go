package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/filetransfer/internal/core"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

// remoteAction applies fn to each ID on the running server.
func remoteAction(past string, fn func(core.TransferService, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		remote, err := remoteService(true)
		if err != nil {
			return err
		}
		defer func() { _ = remote.Shutdown() }()
		return applyEach(cmd, remote, args, past, fn)
	}
}

func applyEach(cmd *cobra.Command, svc core.TransferService, args []string, past string, fn func(core.TransferService, string) error) error {
	var failed int
	for _, arg := range args {
		id, err := resolveTransferID(cmd.Context(), svc, arg)
		if err == nil {
			err = fn(svc, id)
		}
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", arg, err)
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", past, shortID(id))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(args))
	}
	return nil
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>...",
	Short: "Pause transfers on the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: remoteAction("Paused", func(svc core.TransferService, id string) error {
		return svc.Pause(id)
	}),
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel transfers on the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: remoteAction("Cancelled", func(svc core.TransferService, id string) error {
		return svc.Cancel(id)
	}),
}

var resumeAll bool

var resumeCmd = &cobra.Command{
	Use:   "resume [id]...",
	Short: "Resume paused transfers",
	Long: `resume continues paused transfers. With a running server the request is sent to it;
otherwise the saved transfers are resumed in this process and their progress is shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !resumeAll {
			return errors.New("give at least one ID or --all")
		}

		remote, err := remoteService(false)
		if err != nil {
			return err
		}
		if remote != nil {
			defer func() { _ = remote.Shutdown() }()
			if resumeAll {
				infos, err := remote.List()
				if err != nil {
					return err
				}
				args = args[:0]
				for _, info := range infos {
					if info.Status == types.StatusPaused {
						args = append(args, info.ID)
					}
				}
			}
			return applyEach(cmd, remote, args, "Resumed", func(svc core.TransferService, id string) error {
				return svc.Resume(id)
			})
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return resumeLocal(ctx, args, resumeAll)
	},
}

// resumeLocal restores saved transfers and runs the chosen ones here.
func resumeLocal(ctx context.Context, args []string, all bool) error {
	svc, store, err := openLocalService(nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	restored, err := svc.Manager().Restore(ctx, nil, nil)
	if err != nil {
		_ = svc.Shutdown()
		return fmt.Errorf("restore: %w", err)
	}

	ids := restored
	if !all {
		ids = nil
		for _, arg := range args {
			id, err := resolveIDFromCandidates(arg, restored)
			if err != nil {
				_ = svc.Shutdown()
				return err
			}
			ids = append(ids, id)
		}
	}

	stream, stop, err := svc.StreamEvents(context.Background())
	if err != nil {
		_ = svc.Shutdown()
		return err
	}
	defer stop()

	var started []string
	for _, id := range ids {
		if err := svc.Resume(id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", shortID(id), err)
			continue
		}
		started = append(started, id)
	}
	if len(started) == 0 {
		_ = svc.Shutdown()
		return errors.New("nothing to resume")
	}
	return followLocal(ctx, svc, stream, started)
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"discard"},
	Short:   "Cancel transfers and delete their staging data and saved state",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, err := remoteService(false)
		if err != nil {
			return err
		}
		if remote != nil {
			defer func() { _ = remote.Shutdown() }()
			return applyEach(cmd, remote, args, "Removed", func(svc core.TransferService, id string) error {
				return svc.Delete(id)
			})
		}
		return discardLocal(cmd, args)
	},
}

// discardLocal removes saved transfers without a server. Completed
// transfers are not restored, so their rows are deleted directly.
func discardLocal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, store, err := openLocalService(nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	defer func() { _ = svc.Shutdown() }()

	if _, err := svc.Manager().Restore(ctx, nil, nil); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	states, err := store.List(ctx)
	if err != nil {
		return err
	}
	candidates := make([]string, 0, len(states))
	for _, st := range states {
		candidates = append(candidates, st.Request.ID)
	}

	var failed int
	for _, arg := range args {
		id, err := resolveIDFromCandidates(arg, candidates)
		if err == nil {
			err = svc.Delete(id)
		}
		if errors.Is(err, types.ErrNotFound) {
			if _, lerr := store.Load(ctx, id); lerr == nil {
				err = store.Delete(ctx, id)
			}
		}
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", arg, err)
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", shortID(id))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(args))
	}
	return nil
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeAll, "all", false, "Resume every paused transfer")
	rootCmd.AddCommand(pauseCmd, resumeCmd, cancelCmd, rmCmd)
}
