package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/filetransfer/internal/config"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the auth token used by the filetransfer server",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(ensureAuthToken())
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

// ensureAuthToken returns the configured token, or the one stored in the
// token file, generating and saving a new one on first use.
func ensureAuthToken() string {
	if token := strings.TrimSpace(settings.Server.AuthToken); token != "" {
		return token
	}

	path := config.GetTokenPath()
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token
		}
	}

	token := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		utils.Debug("Error creating token dir: %v", err)
		return token
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		utils.Debug("Error writing token file: %v", err)
	}
	return token
}
