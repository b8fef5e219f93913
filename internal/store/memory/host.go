// Package memory provides an in-process domain.Host. Units of work run one at
// a time; writes are staged in an overlay and applied only when the unit
// returns nil.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
)

// Compile-time interface check.
var _ domain.Host = (*Host)(nil)

// Host keeps ledgers, records, mints and token accounts in maps.
type Host struct {
	mu       sync.Mutex
	ledgers  map[common.Address]domain.VaultLedger
	records  map[common.Address]domain.PositionRecord
	mints    map[common.Address]domain.Mint
	accounts map[common.Address]domain.TokenAccount
}

// NewHost returns an empty Host.
func NewHost() *Host {
	return &Host{
		ledgers:  make(map[common.Address]domain.VaultLedger),
		records:  make(map[common.Address]domain.PositionRecord),
		mints:    make(map[common.Address]domain.Mint),
		accounts: make(map[common.Address]domain.TokenAccount),
	}
}

// Execute runs fn with exclusive access to the stored state.
func (h *Host) Execute(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	t := &tx{
		ledgers:  newTable(h.ledgers),
		records:  newTable(h.records),
		mints:    newTable(h.mints),
		accounts: newTable(h.accounts),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.ledgers.commit()
	t.records.commit()
	t.mints.commit()
	t.accounts.commit()
	return nil
}

// table is a map with a write overlay.
type table[V any] struct {
	base  map[common.Address]V
	dirty map[common.Address]V
}

func newTable[V any](base map[common.Address]V) *table[V] {
	return &table[V]{base: base, dirty: make(map[common.Address]V)}
}

func (t *table[V]) get(k common.Address) (V, bool) {
	if v, ok := t.dirty[k]; ok {
		return v, true
	}
	v, ok := t.base[k]
	return v, ok
}

func (t *table[V]) put(k common.Address, v V) {
	t.dirty[k] = v
}

func (t *table[V]) each(fn func(V)) {
	for k, v := range t.base {
		if _, ok := t.dirty[k]; ok {
			continue
		}
		fn(v)
	}
	for _, v := range t.dirty {
		fn(v)
	}
}

func (t *table[V]) commit() {
	for k, v := range t.dirty {
		t.base[k] = v
	}
}

type tx struct {
	ledgers  *table[domain.VaultLedger]
	records  *table[domain.PositionRecord]
	mints    *table[domain.Mint]
	accounts *table[domain.TokenAccount]
}

func (t *tx) Ledgers() domain.LedgerRepo { return ledgerRepo{t.ledgers} }
func (t *tx) Records() domain.RecordRepo { return recordRepo{t.records} }
func (t *tx) Tokens() domain.TokenRepo   { return tokenRepo{mints: t.mints, accounts: t.accounts} }

type ledgerRepo struct{ t *table[domain.VaultLedger] }

func (r ledgerRepo) Create(_ context.Context, l domain.VaultLedger) error {
	if _, ok := r.t.get(l.Asset); ok {
		return domain.ErrAlreadyInitialized
	}
	r.t.put(l.Asset, l)
	return nil
}

func (r ledgerRepo) Get(_ context.Context, asset common.Address) (domain.VaultLedger, error) {
	l, ok := r.t.get(asset)
	if !ok {
		return domain.VaultLedger{}, domain.ErrVaultNotFound
	}
	return l, nil
}

func (r ledgerRepo) Save(_ context.Context, l domain.VaultLedger) error {
	if _, ok := r.t.get(l.Asset); !ok {
		return domain.ErrVaultNotFound
	}
	r.t.put(l.Asset, l)
	return nil
}

func (r ledgerRepo) List(_ context.Context) ([]domain.VaultLedger, error) {
	var out []domain.VaultLedger
	r.t.each(func(l domain.VaultLedger) { out = append(out, l) })
	sort.Slice(out, func(i, j int) bool {
		return out[i].Asset.Cmp(out[j].Asset) < 0
	})
	return out, nil
}

type recordRepo struct{ t *table[domain.PositionRecord] }

func (r recordRepo) Get(_ context.Context, addr common.Address) (domain.PositionRecord, error) {
	rec, ok := r.t.get(addr)
	if !ok {
		return domain.PositionRecord{}, domain.ErrRecordNotFound
	}
	return rec, nil
}

func (r recordRepo) GetOrCreate(_ context.Context, rec domain.PositionRecord) (domain.PositionRecord, bool, error) {
	if existing, ok := r.t.get(rec.Address); ok {
		return existing, false, nil
	}
	r.t.put(rec.Address, rec)
	return rec, true, nil
}

func (r recordRepo) Save(_ context.Context, rec domain.PositionRecord) error {
	if _, ok := r.t.get(rec.Address); !ok {
		return domain.ErrRecordNotFound
	}
	r.t.put(rec.Address, rec)
	return nil
}

func (r recordRepo) List(_ context.Context, f domain.RecordFilter) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	r.t.each(func(rec domain.PositionRecord) {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r recordRepo) Sum(_ context.Context, asset common.Address) (uint64, int, bool, error) {
	var (
		sum      uint64
		count    int
		overflow bool
	)
	r.t.each(func(rec domain.PositionRecord) {
		if rec.Asset != asset {
			return
		}
		count++
		next, err := domain.CheckedAdd(sum, rec.Amount)
		if err != nil {
			overflow = true
			return
		}
		sum = next
	})
	return sum, count, overflow, nil
}

type tokenRepo struct {
	mints    *table[domain.Mint]
	accounts *table[domain.TokenAccount]
}

func (r tokenRepo) CreateMint(_ context.Context, m domain.Mint) error {
	if _, ok := r.mints.get(m.Address); ok {
		return domain.ErrAlreadyExists
	}
	r.mints.put(m.Address, m)
	return nil
}

func (r tokenRepo) GetMint(_ context.Context, addr common.Address) (domain.Mint, error) {
	m, ok := r.mints.get(addr)
	if !ok {
		return domain.Mint{}, domain.ErrMintNotFound
	}
	return m, nil
}

func (r tokenRepo) CreateAccount(_ context.Context, a domain.TokenAccount) error {
	if _, ok := r.accounts.get(a.Address); ok {
		return domain.ErrAlreadyExists
	}
	r.accounts.put(a.Address, a)
	return nil
}

func (r tokenRepo) GetAccount(_ context.Context, addr common.Address) (domain.TokenAccount, error) {
	a, ok := r.accounts.get(addr)
	if !ok {
		return domain.TokenAccount{}, domain.ErrAccountNotFound
	}
	return a, nil
}

func (r tokenRepo) SaveAccount(_ context.Context, a domain.TokenAccount) error {
	if _, ok := r.accounts.get(a.Address); !ok {
		return domain.ErrAccountNotFound
	}
	r.accounts.put(a.Address, a)
	return nil
}
