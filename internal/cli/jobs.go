package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tgoebel/beacon/internal/client"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs <request-id>",
	Short: "Inspect a search job",
	Long: `Show the current state of a search job by request id.

Examples:
  beacon jobs 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
	Args: cobra.ExactArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	result, err := apiClient.GetResult(ctx, args[0])
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("request not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("get result: %w", err)
	}

	fmt.Printf("Request: %s\n", result.RequestID)
	fmt.Printf("  Status: %s\n", result.Status)
	fmt.Printf("  Progress: %d%%\n", result.Progress)
	if result.Error != nil {
		fmt.Printf("  Error: [%s] %s\n", result.Error.Code, result.Error.Message)
	}
	if len(result.Result) > 0 {
		fmt.Printf("\nResult:\n%s\n", string(result.Result))
	}
	return nil
}
