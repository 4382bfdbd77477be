package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/tgoebel/beacon/internal/client"
	"github.com/tgoebel/beacon/internal/event"
)

var watchCmd = &cobra.Command{
	Use:   "watch <request-id>",
	Short: "Tail the raw event stream for a request",
	Long: `Subscribe to the notification channel for a request and print every
event as it arrives. Late subscribers see the backlog first.

Exits when the job reaches a terminal state or on Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchTimeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
	watchStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	watchFoundStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787"))
	watchMissedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00"))
	watchErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F")).Bold(true)
)

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := apiClient.Watch(ctx, args[0], func(ev client.WatchEvent) error {
		stamp := watchTimeStyle.Render(time.Now().Format("15:04:05"))
		switch {
		case ev.Status != nil:
			fmt.Printf("%s %s progress=%d%%\n", stamp,
				watchStatusStyle.Render(ev.Status.Status), ev.Status.Progress)
		case ev.Patch != nil:
			if ev.Patch.Patch.Status == event.ItemFound {
				url := ""
				if ev.Patch.Patch.URL != nil {
					url = *ev.Patch.Patch.URL
				}
				fmt.Printf("%s %s %s %s\n", stamp,
					watchFoundStyle.Render("FOUND"), ev.Patch.ItemKey, url)
			} else {
				fmt.Printf("%s %s %s\n", stamp,
					watchMissedStyle.Render("NOT_FOUND"), ev.Patch.ItemKey)
			}
		case ev.Err != nil:
			fmt.Printf("%s %s %s\n", stamp,
				watchErrorStyle.Render(ev.Err.Error), ev.Err.Message)
		}
		return nil
	})
	if ctx.Err() != nil {
		// Detached; the job keeps running server-side.
		return nil
	}
	return err
}
