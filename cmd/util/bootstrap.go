package util

import (
	"context"

	"github.com/kelda-inc/drivesync/pkg/config"
	"github.com/kelda-inc/drivesync/pkg/credstore"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
	"github.com/kelda-inc/drivesync/pkg/remote"
	"github.com/kelda-inc/drivesync/pkg/store"
)

// Agent bundles the collaborators every `sync`/`watch`/`status` command
// needs, built from the on-disk AgentConfig and credential store. It's
// the CLI's assembly point; pkg/coordinator takes these pieces without
// knowing where they came from.
type Agent struct {
	Config      config.AgentConfig
	Credentials credstore.Record
	Store       store.Store
	Client      remote.Client
	Auth        credstore.AuthProvider
}

// LoadAgent reads the AgentConfig and credential store and constructs
// the Metadata Store and Remote Client they describe.
func LoadAgent(ctx context.Context) (*Agent, error) {
	cfg, err := config.ParseAgentConfig()
	if err != nil {
		return nil, drivesyncerrors.WithContext(err, "parse config")
	}

	recordPath, keyPath, err := config.GetCredentialStorePaths()
	if err != nil {
		return nil, drivesyncerrors.WithContext(err, "resolve credential store path")
	}
	credStore, err := credstore.Open(recordPath, keyPath)
	if err != nil {
		return nil, drivesyncerrors.WithContext(err, "open credential store")
	}
	rec, err := credStore.Load(ctx)
	if err != nil {
		return nil, drivesyncerrors.WithContext(err, "read credentials")
	}
	if rec.Cookie == "" {
		return nil, drivesyncerrors.NewFriendlyError(
			"Not logged in. Run `drivesync login` first.")
	}

	auth := credStore.AuthProvider()
	client := remote.NewHTTPClient(remote.DefaultBaseURL, auth, remote.DefaultRetryPolicy)

	dbPath, err := config.GetMetadataStorePath()
	if err != nil {
		return nil, drivesyncerrors.WithContext(err, "resolve metadata store path")
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, drivesyncerrors.WithContext(err, "open metadata store")
	}

	return &Agent{
		Config:      cfg,
		Credentials: rec,
		Store:       st,
		Client:      client,
		Auth:        auth,
	}, nil
}
