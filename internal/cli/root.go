// Package cli provides the command-line interface for beacon.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tgoebel/beacon/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	userID    string
	sessionID string
	verbose   bool

	// Shared API client, built in PersistentPreRun.
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Asynchronous search with live notifications",
	Long: `Beacon submits search jobs to a beacon server and follows their
progress live over the notification channel.

Jobs keep running server-side when the client disconnects; results stay
retrievable until their TTL expires.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(serverURL)
		apiClient.SetIdentity(userID, sessionID)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $BEACON_SERVER_URL or http://localhost:8484)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("BEACON_USER_ID"), "user identity sent with requests")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("BEACON_SESSION_ID"), "session identity sent with requests")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(watchCmd)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
