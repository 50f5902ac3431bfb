package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/filetransfer/internal/core"
)

var connectCmd = &cobra.Command{
	Use:   "connect [host:port]",
	Short: "Watch the live progress of a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exitWhenDone, _ := cmd.Flags().GetBool("exit-when-done")
		insecureHTTP, _ := cmd.Flags().GetBool("insecure-http")

		var baseURL, token string
		if len(args) > 0 {
			var err error
			if baseURL, err = resolveConnectBaseURL(args[0], insecureHTTP); err != nil {
				return err
			}
			if token, err = resolveTokenForTarget(args[0]); err != nil {
				return err
			}
		} else {
			var err error
			baseURL, token, err = resolveAPIConnection(true)
			if err != nil {
				return err
			}
		}

		service := core.NewRemoteTransferService(baseURL, token)
		defer func() { _ = service.Shutdown() }()

		// Verify connection
		if _, err := service.List(); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", baseURL, err)
		}
		fmt.Fprintf(os.Stderr, "Connected to %s\n", baseURL)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stream, cleanup, err := service.StreamEvents(ctx)
		if err != nil {
			return fmt.Errorf("failed to start event stream: %w", err)
		}
		defer cleanup()

		m, err := runProgress(ctx, os.Stdout, stream, nil, exitWhenDone)
		if err != nil {
			return err
		}
		if exitWhenDone && m.Failed() > 0 {
			return errors.New("some transfers failed")
		}
		return nil
	},
}

func init() {
	connectCmd.Flags().Bool("insecure-http", false, "Allow plain HTTP for non-loopback targets")
	connectCmd.Flags().Bool("exit-when-done", false, "Exit once every transfer seen has finished")
	rootCmd.AddCommand(connectCmd)
}
