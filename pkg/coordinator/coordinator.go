// Package coordinator implements the Sync Coordinator: the top-level
// lifecycle that brackets File Watcher restarts around reconcile
// passes, runs the periodic timer, and orchestrates workspace
// switches, including the directory move a workspace rename triggers.
package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/kelda-inc/drivesync/pkg/debounce"
	"github.com/kelda-inc/drivesync/pkg/echo"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/events"
	"github.com/kelda-inc/drivesync/pkg/pathlock"
	"github.com/kelda-inc/drivesync/pkg/pipeline"
	"github.com/kelda-inc/drivesync/pkg/reconcile"
	"github.com/kelda-inc/drivesync/pkg/remote"
	"github.com/kelda-inc/drivesync/pkg/store"
	"github.com/kelda-inc/drivesync/pkg/watch"
)

// MaxSubdirNameLength caps the length of a per-workspace sync
// subdirectory name (spec §6).
const MaxSubdirNameLength = 50

// SettleDelay is how long the Coordinator waits after a reconcile pass
// before marking every path the pass touched in the echo suppressor, so
// the watcher doesn't treat events for files the pass itself just wrote
// as user edits (spec §4.9's "post-pass echo marking with
// settle delay").
const SettleDelay = 500 * time.Millisecond

var invalidSubdirChars = regexp.MustCompile(`[\x00-\x1f<>:"|?*/\\]`)

// SanitizeWorkspaceDirName builds the `<id>_<sanitized-name>` sync
// subdirectory name for a workspace (spec §6).
func SanitizeWorkspaceDirName(workspaceID int64, name string) string {
	sanitized := invalidSubdirChars.ReplaceAllString(name, "_")
	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		sanitized = "workspace"
	}

	dirName := fmt.Sprintf("%d_%s", workspaceID, sanitized)
	if len(dirName) > MaxSubdirNameLength {
		dirName = dirName[:MaxSubdirNameLength]
	}
	return dirName
}

// Config bundles the tunable parameters from the on-disk AgentConfig
// that the Coordinator needs at runtime.
type Config struct {
	MaxConcurrentTransfers int
	DebounceInterval       time.Duration
	EchoTTL                time.Duration
	PeriodicInterval       time.Duration
	BackgroundInterval     time.Duration
}

// Deps are the Coordinator's collaborators.
type Deps struct {
	// SyncRoot is the user-chosen parent directory; each workspace gets
	// a subdirectory beneath it.
	SyncRoot string
	FS       afero.Fs
	Store    store.Store
	Client   remote.Client
	Auth     remote.AuthProvider
	Emitter  *events.Emitter
	Clock    clockwork.Clock
	Config   Config
}

// Coordinator owns a Watcher and drives reconcile passes around it. A
// Coordinator instance is scoped to one workspace at a time;
// SwitchWorkspace moves it to another.
type Coordinator struct {
	deps Deps

	mu          sync.Mutex
	workspaceID int64
	workspace   string // current sync root, SyncRoot/<id>_<name>

	echoSup   *echo.Suppressor
	debouncer *debounce.Debouncer
	locks     *pathlock.Set
	pipeline  *pipeline.Pipeline
	watcher   *watch.Watcher

	background bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a Coordinator. Call Start with the initial workspace to
// begin syncing; SwitchWorkspace later moves it to another one.
func New(deps Deps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		deps:     deps,
		echoSup:  echo.New(deps.Config.EchoTTL, deps.Clock),
		pipeline: pipeline.New(deps.Client, deps.Emitter, int64(deps.Config.MaxConcurrentTransfers)),
		locks:    pathlock.New(),
	}
}

// Start selects workspaceID/workspaceName, runs the initial reconcile
// pass, and starts the watcher and periodic timer loop.
func (c *Coordinator) Start(ctx context.Context, workspaceID int64, workspaceName string) error {
	if err := c.selectWorkspace(workspaceID, workspaceName); err != nil {
		return drivesyncerrors.WithContext(err, "select workspace")
	}

	if err := c.runPass(ctx); err != nil {
		return drivesyncerrors.WithContext(err, "initial reconcile")
	}

	if err := c.startWatcher(ctx); err != nil {
		return drivesyncerrors.WithContext(err, "start watcher")
	}

	c.echoSup.StartSweeper(0)

	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.periodicLoop(ctx)
	return nil
}

// SetBackground toggles between the foreground and background periodic
// interval (spec §4.9: 5min foreground, 2min background). Takes effect
// on the next tick.
func (c *Coordinator) SetBackground(background bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.background = background
}

// Stop halts the periodic loop and the watcher. The reconciled state on
// disk and in the Metadata Store is left as-is; calling Start again
// resumes from it.
func (c *Coordinator) Stop() error {
	if c.stopCh != nil {
		close(c.stopCh)
		c.wg.Wait()
		c.stopCh = nil
	}
	c.echoSup.Stop()
	return c.stopWatcher()
}

// SwitchWorkspace stops the watcher, points the Coordinator at a new
// workspace (moving the local directory if this is a rename of the
// workspace currently synced, per spec §6), and runs a fresh reconcile
// pass before restarting the watcher.
func (c *Coordinator) SwitchWorkspace(ctx context.Context, workspaceID int64, workspaceName string) error {
	if err := c.stopWatcher(); err != nil {
		log.WithError(err).Warn("failed to stop watcher before workspace switch")
	}

	oldPath := c.currentPath()
	oldID := c.currentWorkspaceID()
	if err := c.selectWorkspace(workspaceID, workspaceName); err != nil {
		return drivesyncerrors.WithContext(err, "select workspace")
	}
	newPath := c.currentPath()

	if oldPath != "" && oldPath != newPath && oldID == workspaceID {
		if exists, _ := afero.DirExists(c.deps.FS, oldPath); exists {
			if err := c.deps.FS.Rename(oldPath, newPath); err != nil {
				return drivesyncerrors.WithContext(err, "move workspace directory")
			}
			log.WithFields(log.Fields{"from": oldPath, "to": newPath}).
				Info("moved local sync directory for workspace rename")
		}
	}

	if err := c.deps.FS.MkdirAll(newPath, 0o755); err != nil {
		return drivesyncerrors.WithContext(err, "ensure workspace directory")
	}

	if err := c.runPass(ctx); err != nil {
		return drivesyncerrors.WithContext(err, "reconcile after workspace switch")
	}

	return c.startWatcher(ctx)
}

// selectWorkspace records the target workspace and computes its local
// directory path, without touching the filesystem or running a pass.
func (c *Coordinator) selectWorkspace(workspaceID int64, workspaceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if workspaceID <= 0 {
		return drivesyncerrors.New("invalid workspace id %d", workspaceID)
	}
	c.workspaceID = workspaceID
	c.workspace = filepath.Join(c.deps.SyncRoot, SanitizeWorkspaceDirName(workspaceID, workspaceName))
	return nil
}

func (c *Coordinator) currentPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspace
}

func (c *Coordinator) currentWorkspaceID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceID
}

// runPass runs one reconcile pass against the current workspace, then
// marks every path the pass touched as a recent echo so the watcher
// doesn't treat the pass's own writes as user edits once it restarts.
func (c *Coordinator) runPass(ctx context.Context) error {
	passID := uuid.New().String()
	root := c.currentPath()
	workspaceID := c.currentWorkspaceID()
	log.WithFields(log.Fields{"pass_id": passID, "workspace": workspaceID, "root": root}).
		Debug("starting reconcile pass")

	if err := c.deps.FS.MkdirAll(root, 0o755); err != nil {
		return drivesyncerrors.WithContext(err, "ensure sync root")
	}

	touched := &touchedPaths{}
	emitter := c.deps.Emitter
	unsubscribe := func() {}
	if emitter != nil {
		unsubscribe = emitter.Subscribe(touched, 256)
	}

	rec := reconcile.New(reconcile.Deps{
		Root:      root,
		FS:        c.deps.FS,
		Store:     c.deps.Store,
		Client:    c.deps.Client,
		Pipeline:  c.pipeline,
		Echo:      c.echoSup,
		Emitter:   emitter,
		Workspace: func() int64 { return workspaceID },
	})

	runErr := rec.Run(ctx)
	unsubscribe()

	if sessionExpired(runErr) && c.deps.Auth != nil {
		if _, authErr := c.deps.Auth.Credentials(ctx); authErr != nil {
			return drivesyncerrors.WithContext(authErr, "refresh credentials")
		}
		runErr = rec.Run(ctx)
	}
	if runErr != nil {
		log.WithFields(log.Fields{"pass_id": passID}).WithError(runErr).Warn("reconcile pass failed")
		return runErr
	}

	c.sleepOrStop(SettleDelay)
	for _, p := range touched.paths() {
		c.echoSup.Mark(p)
	}
	log.WithFields(log.Fields{"pass_id": passID, "touched": len(touched.paths())}).
		Debug("reconcile pass complete")
	return nil
}

// sleepOrStop waits for d to elapse on the Coordinator's clock, but
// returns early if Stop is called in the meantime, so Stop never
// blocks on a settle delay mid-pass.
func (c *Coordinator) sleepOrStop(d time.Duration) {
	select {
	case <-c.deps.Clock.After(d):
	case <-c.stopCh:
	}
}

func sessionExpired(err error) bool {
	return stderrors.Is(err, drivesyncerrors.ErrSessionExpired)
}

// touchedPaths is a throwaway events.Observer that collects every local
// path a reconcile pass wrote to, so runPass can echo-suppress them.
type touchedPaths struct {
	mu sync.Mutex
	ps map[string]bool
}

func (t *touchedPaths) OnProgress(events.Progress)     {}
func (t *touchedPaths) OnError(events.Error)           {}
func (t *touchedPaths) OnFilesystemChange(c events.FilesystemChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ps == nil {
		t.ps = make(map[string]bool)
	}
	t.ps[c.Path] = true
}
func (t *touchedPaths) OnCompletion(c events.Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ps == nil {
		t.ps = make(map[string]bool)
	}
	t.ps[c.CurrentPath] = true
}

func (t *touchedPaths) paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ps))
	for p := range t.ps {
		out = append(out, p)
	}
	return out
}

func (c *Coordinator) startWatcher(ctx context.Context) error {
	root := c.currentPath()
	workspaceID := c.currentWorkspaceID()

	c.debouncer = debounce.New(c.deps.Config.DebounceInterval, 0, c.deps.Clock.Now(), c.deps.Clock)

	w := watch.New(watch.Deps{
		Root:      root,
		Store:     c.deps.Store,
		Pipeline:  c.pipeline,
		Client:    c.deps.Client,
		Debouncer: c.debouncer,
		Echo:      c.echoSup,
		Locks:     c.locks,
		Emitter:   c.deps.Emitter,
		Workspace: func() int64 { return workspaceID },
	})

	if err := w.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) stopWatcher() error {
	c.mu.Lock()
	w := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Stop()
}

// periodicLoop drives reconcile passes on the configured interval,
// bracketed by a watcher stop/restart (spec §4.9), until Stop is
// called, or until a pass fails with ErrSessionExpired. It waits on
// clock.After in a cancellable select rather than a ticker, since
// clockwork's injectable Clock in this repo's version exposes
// After/Sleep but no NewTicker.
func (c *Coordinator) periodicLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		interval := c.nextInterval()
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-c.deps.Clock.After(interval):
		}

		if err := c.stopWatcher(); err != nil {
			log.WithError(err).Warn("failed to stop watcher before periodic pass")
		}
		if err := c.runPass(ctx); err != nil {
			log.WithError(err).Error("periodic reconcile pass failed")
			if c.deps.Emitter != nil {
				c.deps.Emitter.EmitError(events.Error{Message: err.Error()})
			}
			if sessionExpired(err) {
				return
			}
		}
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.startWatcher(ctx); err != nil {
			log.WithError(err).Error("failed to restart watcher after periodic pass")
		}
	}
}

func (c *Coordinator) nextInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.background && c.deps.Config.BackgroundInterval > 0 {
		return c.deps.Config.BackgroundInterval
	}
	return c.deps.Config.PeriodicInterval
}
