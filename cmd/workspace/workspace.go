// Package workspace implements the `drivesync workspace` command
// family: selecting which remote workspace the sync agent targets.
package workspace

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kelda-inc/drivesync/cmd/util"
	"github.com/kelda-inc/drivesync/pkg/config"
	"github.com/kelda-inc/drivesync/pkg/credstore"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
)

// New creates the `workspace` command and its `switch` subcommand.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage which remote workspace is synced",
	}
	cmd.AddCommand(newSwitchCmd())
	return cmd
}

func newSwitchCmd() *cobra.Command {
	var id int64
	var name, syncRoot string
	switchCmd := &cobra.Command{
		Use:   "switch",
		Short: "Point the sync agent at a different workspace",
		Run: func(_ *cobra.Command, _ []string) {
			if err := Switch(id, name, syncRoot); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	switchCmd.Flags().Int64Var(&id, "id", 0, "Workspace id (required).")
	switchCmd.Flags().StringVar(&name, "name", "", "Workspace display name (required).")
	switchCmd.Flags().StringVar(&syncRoot, "sync-root", "", "Local directory to sync into. "+
		"Defaults to the currently configured sync root, or ~/DriveSync if none is set.")
	return switchCmd
}

// Switch persists the chosen workspace and sync root to both the
// AgentConfig and the credential store, so `drivesync watch`/`sync`
// picks it up on the next run. It doesn't itself move any files. Only
// pkg/coordinator.SwitchWorkspace moves a renamed workspace's
// directory; Coordinator.Start does not, so the next run syncs into the
// directory for the new name.
func Switch(id int64, name, syncRoot string) error {
	if id <= 0 || name == "" {
		return drivesyncerrors.NewFriendlyError("Both --id and --name are required.")
	}

	cfg, err := config.ParseAgentConfig()
	if err != nil {
		cfg = config.AgentConfig{}
	}

	if syncRoot != "" {
		cfg.SyncRoot = syncRoot
	} else if cfg.SyncRoot == "" {
		cfg.SyncRoot = "~/DriveSync"
	}
	cfg.WorkspaceID = id

	if err := config.WriteAgentConfig(cfg); err != nil {
		return drivesyncerrors.WithContext(err, "write config")
	}

	recordPath, keyPath, err := config.GetCredentialStorePaths()
	if err != nil {
		return drivesyncerrors.WithContext(err, "resolve credential store path")
	}
	store, err := credstore.Open(recordPath, keyPath)
	if err != nil {
		return drivesyncerrors.WithContext(err, "open credential store")
	}

	ctx := context.Background()
	rec, err := store.Load(ctx)
	if err != nil {
		return drivesyncerrors.WithContext(err, "read credentials")
	}
	rec.WorkspaceID = id
	rec.WorkspaceName = name
	rec.SyncRootPath = cfg.SyncRoot
	if err := store.Save(ctx, rec); err != nil {
		return drivesyncerrors.WithContext(err, "save credentials")
	}

	fmt.Printf("Switched to workspace %d (%s), syncing into %s\n", id, name, cfg.SyncRoot)
	return nil
}
