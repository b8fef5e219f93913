package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// BlobDeleter removes objects from storage.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Snapshot is a point-in-time copy of one vault and its records.
type Snapshot struct {
	Ledger  VaultLedger      `json:"ledger"`
	Records []PositionRecord `json:"records"`
	Report  ReconcileReport  `json:"report"`
	TakenAt time.Time        `json:"taken_at"`
}

// SnapshotExporter writes snapshots to cold storage and returns their path.
type SnapshotExporter interface {
	Export(ctx context.Context, snap Snapshot) (string, error)
}

// SnapshotStore exports, lists, reads back and prunes snapshots.
type SnapshotStore interface {
	SnapshotExporter
	// List returns the snapshots of asset, newest first.
	List(ctx context.Context, asset common.Address) ([]BlobInfo, error)
	Load(ctx context.Context, path string) (Snapshot, error)
	// Prune deletes all but the newest keep snapshots of asset.
	Prune(ctx context.Context, asset common.Address, keep int) (int, error)
}
