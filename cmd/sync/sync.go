// Package sync implements the `drivesync sync` command: a single
// reconcile pass against the configured workspace, with no watcher.
package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kelda-inc/drivesync/cmd/util"
	"github.com/kelda-inc/drivesync/pkg/coordinator"
	"github.com/kelda-inc/drivesync/pkg/echo"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/events"
	"github.com/kelda-inc/drivesync/pkg/pipeline"
	"github.com/kelda-inc/drivesync/pkg/reconcile"
)

// New creates the `sync` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single reconcile pass and exit",
		Run: func(_ *cobra.Command, _ []string) {
			if err := Main(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

// Main loads the agent's configuration and runs exactly one reconcile
// pass, printing a summary of what moved.
func Main() error {
	ctx := context.Background()
	agent, err := util.LoadAgent(ctx)
	if err != nil {
		return err
	}
	defer agent.Store.Close()

	workspaceDir := coordinator.SanitizeWorkspaceDirName(agent.Credentials.WorkspaceID, agent.Credentials.WorkspaceName)
	root := filepath.Join(agent.Config.SyncRoot, workspaceDir)

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return drivesyncerrors.WithContext(err, "ensure sync root")
	}

	emitter := events.NewEmitter()
	var changes int
	unsubscribe := emitter.Subscribe(countingObserver(func() { changes++ }), 256)
	defer unsubscribe()

	p := pipeline.New(agent.Client, emitter, int64(agent.Config.MaxConcurrentTransfers))
	echoSup := echo.New(time.Duration(agent.Config.EchoTTLSeconds)*time.Second, nil)

	rec := reconcile.New(reconcile.Deps{
		Root:      root,
		FS:        fs,
		Store:     agent.Store,
		Client:    agent.Client,
		Pipeline:  p,
		Echo:      echoSup,
		Emitter:   emitter,
		Workspace: func() int64 { return agent.Credentials.WorkspaceID },
	})

	if err := rec.Run(ctx); err != nil {
		return drivesyncerrors.WithContext(err, "reconcile")
	}

	fmt.Printf("Sync complete: %d change(s) applied to %s\n", changes, root)
	return nil
}

// countingObserver counts the completions reported by a reconcile pass
// (filesystem-change events are ignored), for the one-line summary printed at
// the end of a `sync` run.
type countingObserver func()

func (o countingObserver) OnProgress(events.Progress)             {}
func (o countingObserver) OnError(events.Error)                   {}
func (o countingObserver) OnCompletion(events.Completion)         { o() }
func (o countingObserver) OnFilesystemChange(events.FilesystemChange) {}
