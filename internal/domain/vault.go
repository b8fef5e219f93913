package domain

import (
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VaultLedger is the per-asset aggregate of all custodied funds.
type VaultLedger struct {
	Address       common.Address `json:"address"`
	Administrator common.Address `json:"administrator"`
	Asset         common.Address `json:"asset"`
	// VaultAuthorityTag and LedgerAuthorityTag are the derivation tags of the
	// vault holding account and of the ledger itself.
	VaultAuthorityTag  uint8  `json:"vault_authority_tag"`
	LedgerAuthorityTag uint8  `json:"ledger_authority_tag"`
	TotalDeposits      uint64 `json:"total_deposits"`
	// Version increases by one on every committed change. Caches order
	// ledger copies by it.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch moves the ledger to its next version stamped at now and returns the
// stamp used. UpdatedAt never goes backwards. Call it while holding the
// ledger lock.
func (l *VaultLedger) Touch(now time.Time) time.Time {
	now = now.UTC()
	if now.Before(l.UpdatedAt) {
		now = l.UpdatedAt
	}
	l.Version++
	l.UpdatedAt = now
	return now
}

// Mint is the published metadata of a fungible asset.
type Mint struct {
	Address   common.Address `json:"address"`
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	Authority common.Address `json:"authority"`
}

// TokenAccount holds a balance of one mint on behalf of one owner.
type TokenAccount struct {
	Address common.Address `json:"address"`
	Mint    common.Address `json:"mint"`
	Owner   common.Address `json:"owner"`
	Amount  uint64         `json:"amount"`
	Frozen  bool           `json:"frozen"`
}

// ReconcileReport compares the ledger total with the records and with the
// vault holding account.
type ReconcileReport struct {
	Asset         common.Address `json:"asset"`
	TotalDeposits uint64         `json:"total_deposits"`
	RecordSum     uint64         `json:"record_sum"`
	RecordCount   int            `json:"record_count"`
	VaultBalance  uint64         `json:"vault_balance"`
	// SumOverflow is set when the record amounts do not fit in 64 bits.
	SumOverflow bool      `json:"sum_overflow"`
	CheckedAt   time.Time `json:"checked_at"`
}

// LedgerMatchesRecords reports whether the conservation invariant holds.
func (r ReconcileReport) LedgerMatchesRecords() bool {
	return !r.SumOverflow && r.TotalDeposits == r.RecordSum
}

// VaultCovered reports whether the holding account can pay out every record.
func (r ReconcileReport) VaultCovered() bool {
	return r.VaultBalance >= r.TotalDeposits
}

// Consistent is true when both checks pass.
func (r ReconcileReport) Consistent() bool {
	return r.LedgerMatchesRecords() && r.VaultCovered()
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrUnderflow.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrUnderflow
	}
	return diff, nil
}
