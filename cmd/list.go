package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/filetransfer/internal/download"
)

var listJSON bool

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"l", "list"},
	Short:   "List transfers",
	Long:    `ls lists the transfers of the running server, or the ones saved locally when no server is running.`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := collectInfos(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if listJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		if len(infos) == 0 {
			_, _ = fmt.Fprintln(out, "No transfers.")
			return nil
		}
		printTransfers(out, infos)
		return nil
	},
}

func collectInfos(cmd *cobra.Command) ([]download.Info, error) {
	remote, err := remoteService(false)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		defer func() { _ = remote.Shutdown() }()
		return remote.List()
	}

	states, err := listPersisted(cmd.Context())
	if err != nil {
		return nil, err
	}
	return persistedInfos(states), nil
}

func init() {
	lsCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(lsCmd)
}
