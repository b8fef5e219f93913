package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
)

// MaxMarketIDLen is the upper bound, in bytes, of a market identifier.
const MaxMarketIDLen = 64

// Position is one side of a binary-outcome market. The numeric value is the
// discriminant byte used when deriving record addresses.
type Position uint8

const (
	PositionYes Position = 0
	PositionNo  Position = 1
)

// String returns "yes" or "no".
func (p Position) String() string {
	switch p {
	case PositionYes:
		return "yes"
	case PositionNo:
		return "no"
	default:
		return fmt.Sprintf("position(%d)", uint8(p))
	}
}

// Valid reports whether p is one of the two defined positions.
func (p Position) Valid() bool {
	return p == PositionYes || p == PositionNo
}

// ParsePosition accepts "yes"/"no" in any case, or the discriminants "0"/"1".
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "0":
		return PositionYes, nil
	case "no", "1":
		return PositionNo, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}
}

// MarshalJSON encodes the position as "yes" or "no".
func (p Position) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPosition, uint8(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the string forms handled by ParsePosition as well as
// the bare numeric discriminant.
func (p *Position) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint8
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidPosition, string(data))
		}
		s = fmt.Sprint(n)
	}
	parsed, err := ParsePosition(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PositionKey identifies a position record. Two deposits with the same key
// accumulate into the same record.
type PositionKey struct {
	Asset     common.Address
	Depositor common.Address
	MarketID  string
	Position  Position
}

// Validate checks the market id bound and the position discriminant. Market
// ids must be valid UTF-8 without NUL bytes so every store can hold them as
// text.
func (k PositionKey) Validate() error {
	if len(k.MarketID) > MaxMarketIDLen {
		return ErrMarketIDTooLong
	}
	if !utf8.ValidString(k.MarketID) || strings.IndexByte(k.MarketID, 0) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidMarketID, k.MarketID)
	}
	if !k.Position.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPosition, uint8(k.Position))
	}
	return nil
}

// PositionRecord is the amount a single depositor has committed to one side
// of one market. Records persist with a zero amount after a full withdrawal.
type PositionRecord struct {
	Address   common.Address `json:"address"`
	Asset     common.Address `json:"asset"`
	Depositor common.Address `json:"depositor"`
	MarketID  string         `json:"market_id"`
	Position  Position       `json:"position"`
	Amount    uint64         `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
	Tag       uint8          `json:"tag"`
	CreatedAt time.Time      `json:"created_at"`
}

// Key returns the identity of the record.
func (r PositionRecord) Key() PositionKey {
	return PositionKey{
		Asset:     r.Asset,
		Depositor: r.Depositor,
		MarketID:  r.MarketID,
		Position:  r.Position,
	}
}

// RecordFilter narrows record listings. Zero values match everything.
type RecordFilter struct {
	Asset     common.Address
	Depositor *common.Address
	MarketID  string
	Position  *Position
	Limit     int
	Offset    int
}

// Matches reports whether r satisfies every set field of f. Paging fields are
// ignored.
func (f RecordFilter) Matches(r PositionRecord) bool {
	if f.Asset != (common.Address{}) && r.Asset != f.Asset {
		return false
	}
	if f.Depositor != nil && r.Depositor != *f.Depositor {
		return false
	}
	if f.MarketID != "" && r.MarketID != f.MarketID {
		return false
	}
	if f.Position != nil && r.Position != *f.Position {
		return false
	}
	return true
}
