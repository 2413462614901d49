// Package status implements the `drivesync status` command: a
// snapshot of the agent's current configuration and local metadata,
// useful for diagnosing why a file isn't syncing.
package status

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kelda-inc/drivesync/cmd/util"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
)

// New creates the `status` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent's current configuration and sync state",
		Run: func(_ *cobra.Command, _ []string) {
			if err := Main(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

// Main prints a summary of the agent's configuration and local
// metadata to stdout.
func Main() error {
	ctx := context.Background()
	agent, err := util.LoadAgent(ctx)
	if err != nil {
		return err
	}
	defer agent.Store.Close()

	records, err := agent.Store.GetAll(ctx)
	if err != nil {
		return drivesyncerrors.WithContext(err, "read metadata store")
	}

	fmt.Printf("Workspace:     %d (%s)\n", agent.Credentials.WorkspaceID, agent.Credentials.WorkspaceName)
	fmt.Printf("Sync root:     %s\n", agent.Config.SyncRoot)
	fmt.Printf("Tracked items: %d\n", len(records))
	fmt.Printf("Max transfers: %d\n", agent.Config.MaxConcurrentTransfers)
	fmt.Printf("Debounce:      %dms\n", agent.Config.DebounceMs)
	fmt.Printf("Echo TTL:      %ds\n", agent.Config.EchoTTLSeconds)

	usage, err := agent.Client.SpaceUsage(ctx, agent.Credentials.WorkspaceID)
	if err != nil {
		fmt.Printf("Space usage:   unavailable (%s)\n", err)
		return nil
	}
	fmt.Printf("Space usage:   %s / %s\n", humanize.Bytes(uint64(usage.Used)), humanize.Bytes(uint64(usage.Available)))
	return nil
}
