// Package replicator defines and implements the Replicator external
// interface (spec.md §6): the caller-provided collaborator that speaks the
// CouchDB replication protocol on the core's behalf. No CouchDB client SDK
// appears anywhere in the retrieval pack, so the concrete implementation is
// hand-rolled net/http, grounded on the teacher's internal/graph/client.go
// retry/backoff/error-classification pattern (see DESIGN.md).
package replicator

import (
	"context"

	"github.com/fridaysync/vaultsync/internal/docmodel"
)

// Settings carries the connection parameters the Replicator needs for any
// operation, mirroring the CLI/config surface named in spec.md §6.
type Settings struct {
	URI       string
	User      string
	Password  string
	DBName    string
	UserAgent string
}

// Flags are the replicator-owned state the core reads before every
// start_sync and one-shot operation (spec.md §6).
type Flags struct {
	RemoteLockedAndDeviceNotAccepted bool
	RemoteLocked                     bool
	RemoteCleaned                    bool
	TweakSettingsMismatched          bool
}

// DocumentBatch is delivered to the core's on_documents callback as the
// replicator streams or completes a pull.
type DocumentBatch struct {
	Entries []docmodel.MetaEntry
}

// OnDocuments is invoked by the Replicator whenever a batch of updated
// documents is available, whether from a one-shot pull or a live
// continuous feed.
type OnDocuments func(batch DocumentBatch)

// Replicator is the external interface consumed by the core (spec.md §6).
// The concrete implementation is *Client, below.
type Replicator interface {
	OpenReplication(ctx context.Context, settings Settings, keepAlive, showResult, ignoreCleanLock bool) (bool, error)
	CloseReplication() error

	ReplicateAllFromServer(ctx context.Context, settings Settings, showNotice bool) (bool, error)
	ReplicateAllToServer(ctx context.Context, settings Settings, showNotice bool) (bool, error)

	FetchRemoteChunks(ctx context.Context, settings Settings, ids []string, showResult bool) ([]docmodel.Leaf, bool, error)

	TryResetRemoteDatabase(ctx context.Context, settings Settings) error
	TryCreateRemoteDatabase(ctx context.Context, settings Settings) error

	MarkRemoteResolved(ctx context.Context, settings Settings) error

	GetReplicationPBKDF2Salt(ctx context.Context, settings Settings, refresh bool) ([]byte, error)

	Flags() Flags

	SetOnDocuments(fn OnDocuments)
}
