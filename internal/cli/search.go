package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var searchDetach bool

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Submit a search job and follow its progress",
	Long: `Submit a search job and follow its progress live.

The progress view is fed by the server's notification channel, not by
polling. Press Ctrl+C to detach; the job keeps running server-side.

Examples:
  beacon search "blue touring bicycle"
  beacon search "vintage camera" --detach
  beacon search "hiking boots 44" --user alice`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().BoolVarP(&searchDetach, "detach", "d", false, "print the request id and exit without watching")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	requestID, err := apiClient.CreateSearch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("submit search: %w", err)
	}

	if searchDetach {
		fmt.Println(requestID)
		return nil
	}

	if verbose {
		fmt.Printf("request %s accepted\n", requestID)
	}
	return RunSearchProgress(apiClient, requestID)
}
