package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Host runs units of work against the stored ledger state. Execute serializes
// units that touch the same records and discards every change made inside fn
// when fn returns an error.
type Host interface {
	Execute(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view of stored state available inside one unit of work.
type Tx interface {
	Ledgers() LedgerRepo
	Records() RecordRepo
	Tokens() TokenRepo
}

// LedgerRepo stores one VaultLedger per asset.
type LedgerRepo interface {
	// Create inserts a new ledger and fails with ErrAlreadyInitialized when
	// one already exists for the asset.
	Create(ctx context.Context, l VaultLedger) error
	// Get loads and locks the ledger. It returns ErrVaultNotFound when absent.
	Get(ctx context.Context, asset common.Address) (VaultLedger, error)
	Save(ctx context.Context, l VaultLedger) error
	List(ctx context.Context) ([]VaultLedger, error)
}

// RecordRepo stores position records keyed by their derived address.
type RecordRepo interface {
	// Get loads a record. It returns ErrRecordNotFound when absent. Writers
	// serialize on the owning ledger's lock, not on the record.
	Get(ctx context.Context, addr common.Address) (PositionRecord, error)
	// GetOrCreate returns the stored record at r.Address, inserting r first
	// when none exists. created reports whether the insert happened.
	GetOrCreate(ctx context.Context, r PositionRecord) (rec PositionRecord, created bool, err error)
	Save(ctx context.Context, r PositionRecord) error
	List(ctx context.Context, f RecordFilter) ([]PositionRecord, error)
	// Sum adds up every record amount of an asset. overflow is set when the
	// total does not fit in 64 bits.
	Sum(ctx context.Context, asset common.Address) (sum uint64, count int, overflow bool, err error)
}

// TokenRepo stores the token transfer service's mints and accounts.
type TokenRepo interface {
	CreateMint(ctx context.Context, m Mint) error
	GetMint(ctx context.Context, addr common.Address) (Mint, error)
	CreateAccount(ctx context.Context, a TokenAccount) error
	// GetAccount loads and locks an account. It returns ErrAccountNotFound
	// when absent.
	GetAccount(ctx context.Context, addr common.Address) (TokenAccount, error)
	SaveAccount(ctx context.Context, a TokenAccount) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows an audit listing. Zero fields match everything. Address
// fields match the "asset", "actor" and "record" detail keys.
type AuditFilter struct {
	Asset  common.Address
	Actor  common.Address
	Record common.Address
	Event  string
}

// Match reports whether e passes the filter.
func (f AuditFilter) Match(e AuditEntry) bool {
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	for key, want := range map[string]common.Address{"asset": f.Asset, "actor": f.Actor, "record": f.Record} {
		if want == (common.Address{}) {
			continue
		}
		if got, _ := e.Detail[key].(string); got != want.Hex() {
			return false
		}
	}
	return true
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	// List returns entries matching f, newest first.
	List(ctx context.Context, f AuditFilter, opts ListOpts) ([]AuditEntry, error)
}
