package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

const (
	snapshotRoot        = "snapshots"
	snapshotContentType = "application/x-ndjson"
	// snapshotTimeLayout sorts lexicographically in time order.
	snapshotTimeLayout = "20060102T150405.000000000Z"
)

// snapshotLine is one JSONL line. The first line carries the ledger, the
// second the reconcile report, and every following line one record.
type snapshotLine struct {
	Kind    string                  `json:"kind"`
	TakenAt *time.Time              `json:"taken_at,omitempty"`
	Ledger  *domain.VaultLedger     `json:"ledger,omitempty"`
	Report  *domain.ReconcileReport `json:"report,omitempty"`
	Record  *domain.PositionRecord  `json:"record,omitempty"`
}

const (
	lineLedger = "ledger"
	lineReport = "report"
	lineRecord = "record"
)

// SnapshotStore implements domain.SnapshotStore on top of the blob writer,
// reader and deleter. Snapshots are stored at
// snapshots/{asset}/{taken_at}.jsonl.
type SnapshotStore struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	deleter domain.BlobDeleter
	audit   domain.AuditStore
}

// NewSnapshotStore creates a SnapshotStore. deleter may be nil, in which case
// Prune fails.
func NewSnapshotStore(w domain.BlobWriter, r domain.BlobReader, d domain.BlobDeleter) *SnapshotStore {
	return &SnapshotStore{writer: w, reader: r, deleter: d}
}

// WithAudit records every export and prune in the audit log.
func (s *SnapshotStore) WithAudit(a domain.AuditStore) *SnapshotStore {
	s.audit = a
	return s
}

func snapshotPrefix(asset common.Address) string {
	return snapshotRoot + "/" + strings.ToLower(asset.Hex()) + "/"
}

func snapshotPath(asset common.Address, takenAt time.Time) string {
	return snapshotPrefix(asset) + takenAt.UTC().Format(snapshotTimeLayout) + ".jsonl"
}

// Export serialises snap as JSONL and uploads it. Large snapshots go through
// a multipart upload.
func (s *SnapshotStore) Export(ctx context.Context, snap domain.Snapshot) (string, error) {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	buf, err := marshalSnapshot(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: export snapshot marshal: %w", err)
	}

	path := snapshotPath(snap.Ledger.Asset, snap.TakenAt)
	if int64(len(buf)) > minPartSize {
		err = s.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = s.writer.Put(ctx, path, bytes.NewReader(buf), snapshotContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: export snapshot upload: %w", err)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "snapshot.exported", map[string]any{
			"path":       path,
			"asset":      snap.Ledger.Asset.Hex(),
			"records":    len(snap.Records),
			"consistent": snap.Report.Consistent(),
		}); err != nil {
			return path, fmt.Errorf("s3blob: export snapshot audit log: %w", err)
		}
	}
	return path, nil
}

// List returns the snapshots of asset, newest first.
func (s *SnapshotStore) List(ctx context.Context, asset common.Address) ([]domain.BlobInfo, error) {
	infos, err := s.reader.List(ctx, snapshotPrefix(asset))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

// Load reads a snapshot back from path.
func (s *SnapshotStore) Load(ctx context.Context, path string) (domain.Snapshot, error) {
	rc, err := s.reader.Get(ctx, path)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: load snapshot %s: %w", path, err)
	}
	defer rc.Close()

	snap, err := unmarshalSnapshot(rc)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("s3blob: load snapshot %s: %w", path, err)
	}
	return snap, nil
}

// Prune deletes all but the newest keep snapshots of asset and returns how
// many were removed.
func (s *SnapshotStore) Prune(ctx context.Context, asset common.Address, keep int) (int, error) {
	if s.deleter == nil {
		return 0, errors.New("s3blob: prune snapshots: no deleter configured")
	}
	if keep < 0 {
		keep = 0
	}
	infos, err := s.List(ctx, asset)
	if err != nil {
		return 0, err
	}
	if len(infos) <= keep {
		return 0, nil
	}

	removed := 0
	for _, info := range infos[keep:] {
		if err := s.deleter.Delete(ctx, info.Path); err != nil {
			return removed, fmt.Errorf("s3blob: prune snapshot %s: %w", info.Path, err)
		}
		removed++
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "snapshot.pruned", map[string]any{
			"asset":   asset.Hex(),
			"removed": removed,
			"kept":    keep,
		}); err != nil {
			return removed, fmt.Errorf("s3blob: prune snapshots audit log: %w", err)
		}
	}
	return removed, nil
}

func marshalSnapshot(snap domain.Snapshot) ([]byte, error) {
	lines := make([]snapshotLine, 0, len(snap.Records)+2)
	takenAt := snap.TakenAt.UTC()
	lines = append(lines,
		snapshotLine{Kind: lineLedger, TakenAt: &takenAt, Ledger: &snap.Ledger},
		snapshotLine{Kind: lineReport, Report: &snap.Report},
	)
	for i := range snap.Records {
		lines = append(lines, snapshotLine{Kind: lineRecord, Record: &snap.Records[i]})
	}
	return marshalJSONL(lines)
}

func unmarshalSnapshot(r io.Reader) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var sawLedger bool

	dec := json.NewDecoder(r)
	for n := 1; ; n++ {
		var line snapshotLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return domain.Snapshot{}, fmt.Errorf("jsonl decode line %d: %w", n, err)
		}
		switch line.Kind {
		case lineLedger:
			if line.Ledger == nil {
				return domain.Snapshot{}, fmt.Errorf("jsonl line %d: ledger line without ledger", n)
			}
			snap.Ledger = *line.Ledger
			if line.TakenAt != nil {
				snap.TakenAt = *line.TakenAt
			}
			sawLedger = true
		case lineReport:
			if line.Report != nil {
				snap.Report = *line.Report
			}
		case lineRecord:
			if line.Record != nil {
				snap.Records = append(snap.Records, *line.Record)
			}
		default:
			return domain.Snapshot{}, fmt.Errorf("jsonl line %d: unknown kind %q", n, line.Kind)
		}
	}
	if !sawLedger {
		return domain.Snapshot{}, errors.New("snapshot has no ledger line")
	}
	return snap, nil
}

// marshalJSONL writes each value as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
