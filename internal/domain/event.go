package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a committed ledger transition.
type EventType string

const (
	EventVaultInitialized EventType = "vault_initialized"
	EventDeposited        EventType = "deposited"
	EventWithdrawn        EventType = "withdrawn"
)

// LedgerEvent describes a transition after it has been committed. It is
// published to subscribers and written to the audit log.
type LedgerEvent struct {
	Type          EventType      `json:"type"`
	Asset         common.Address `json:"asset"`
	Actor         common.Address `json:"actor"`
	Record        common.Address `json:"record,omitempty"`
	MarketID      string         `json:"market_id,omitempty"`
	Position      *Position      `json:"position,omitempty"`
	Amount        uint64         `json:"amount"`
	RecordAmount  uint64         `json:"record_amount"`
	TotalDeposits uint64         `json:"total_deposits"`
	At            time.Time      `json:"at"`
}

// Detail flattens the event for the audit log.
func (e LedgerEvent) Detail() map[string]any {
	d := map[string]any{
		"asset":          e.Asset.Hex(),
		"actor":          e.Actor.Hex(),
		"amount":         e.Amount,
		"total_deposits": e.TotalDeposits,
	}
	if e.Record != (common.Address{}) {
		d["record"] = e.Record.Hex()
		d["market_id"] = e.MarketID
		d["record_amount"] = e.RecordAmount
	}
	if e.Position != nil {
		d["position"] = e.Position.String()
	}
	return d
}
