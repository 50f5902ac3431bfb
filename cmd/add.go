package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var addOpts addFlags

var addCmd = &cobra.Command{
	Use:   "add <url>...",
	Short: "Queue downloads on the running server",
	Long:  `add submits URLs to a running filetransfer server and prints the new transfer IDs.`,
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls, err := addOpts.urls(args)
		if err != nil {
			return err
		}

		svc, err := remoteService(true)
		if err != nil {
			return err
		}
		defer func() { _ = svc.Shutdown() }()

		var ids []string
		var failed int
		for _, u := range urls {
			req, err := addOpts.request(u)
			if err == nil {
				var id string
				if id, err = svc.Add(req); err == nil {
					ids = append(ids, id)
					continue
				}
			}
			failed++
			fmt.Fprintf(os.Stderr, "Error adding %s: %v\n", u, err)
		}

		printIDs(cmd.OutOrStdout(), ids)
		if failed > 0 {
			return fmt.Errorf("%d of %d URLs could not be added", failed, len(urls))
		}
		return nil
	},
}

func printIDs(w io.Writer, ids []string) {
	for _, id := range ids {
		_, _ = fmt.Fprintln(w, id)
	}
}

func init() {
	addOpts.register(addCmd)
	addCmd.Flags().BoolVar(&addOpts.background, "background", false, "Run under the server's background slot limit")
	rootCmd.AddCommand(addCmd)
}
