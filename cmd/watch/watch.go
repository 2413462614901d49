// Package watch implements the `drivesync watch` command: the
// long-running foreground daemon that runs the Sync Coordinator until
// interrupted.
package watch

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kelda-inc/drivesync/cmd/util"
	"github.com/kelda-inc/drivesync/pkg/coordinator"
	"github.com/kelda-inc/drivesync/pkg/events"
)

// New creates the `watch` command.
func New() *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync agent continuously until interrupted",
		Run: func(_ *cobra.Command, _ []string) {
			if err := Main(background); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&background, "background", false,
		"Use the shorter background periodic interval instead of the foreground one.")
	return cmd
}

// Main starts the Coordinator and blocks until SIGINT/SIGTERM.
func Main(background bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := util.LoadAgent(ctx)
	if err != nil {
		return err
	}
	defer agent.Store.Close()

	emitter := events.NewEmitter()
	unsubscribe := emitter.Subscribe(logObserver{}, 256)
	defer unsubscribe()

	c := coordinator.New(coordinator.Deps{
		SyncRoot: agent.Config.SyncRoot,
		FS:       afero.NewOsFs(),
		Store:    agent.Store,
		Client:   agent.Client,
		Auth:     agent.Auth,
		Emitter:  emitter,
		Config: coordinator.Config{
			MaxConcurrentTransfers: agent.Config.MaxConcurrentTransfers,
			DebounceInterval:       time.Duration(agent.Config.DebounceMs) * time.Millisecond,
			EchoTTL:                time.Duration(agent.Config.EchoTTLSeconds) * time.Second,
			PeriodicInterval:       time.Duration(agent.Config.PeriodicIntervalSeconds) * time.Second,
			BackgroundInterval:     time.Duration(agent.Config.BackgroundIntervalSeconds) * time.Second,
		},
	})
	c.SetBackground(background)

	if err := c.Start(ctx, agent.Credentials.WorkspaceID, agent.Credentials.WorkspaceName); err != nil {
		return err
	}
	log.Info("drivesync is watching for changes")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	return c.Stop()
}

// logObserver routes the core's events to logrus, standing in for a UI
// subscriber in this repo (spec §6's "event interface to UI").
type logObserver struct{}

func (logObserver) OnProgress(p events.Progress) {
	log.WithFields(log.Fields{"stage": p.Stage, "path": p.CurrentPath}).
		Debugf("%.0f%%", p.Percentage)
}

func (logObserver) OnCompletion(c events.Completion) {
	log.WithField("path", c.CurrentPath).Info("synced")
}

func (logObserver) OnError(e events.Error) {
	log.WithField("path", e.Path).Error(e.Message)
}

func (logObserver) OnFilesystemChange(c events.FilesystemChange) {
	log.WithFields(log.Fields{"kind": c.Kind, "path": c.Path}).Debug("filesystem change")
}
