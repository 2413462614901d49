package credstore

import (
	"context"

	"github.com/kelda-inc/drivesync/pkg/remote"
)

// AuthProvider adapts the Store to pkg/remote's AuthProvider interface,
// so the Coordinator can hand it directly to a remote.Client. It always
// re-reads the current on-disk record, so a `drivesync login` run while
// the agent is stopped takes effect on the next start without any
// in-memory cache to invalidate.
type AuthProvider struct {
	store *Store
}

// AuthProvider returns an adapter exposing s as a remote.AuthProvider.
func (s *Store) AuthProvider() AuthProvider {
	return AuthProvider{store: s}
}

// Credentials implements remote.AuthProvider.
func (a AuthProvider) Credentials(ctx context.Context) (remote.Credentials, error) {
	rec, err := a.store.Load(ctx)
	if err != nil {
		return remote.Credentials{}, err
	}
	return remote.Credentials{Cookie: rec.Cookie, WorkspaceID: rec.WorkspaceID}, nil
}
