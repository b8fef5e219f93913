package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmount_FormatParse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1.5", FormatAmount(1_500_000, 6))
	assert.Equal(t, "0.000001", FormatAmount(1, 6))
	assert.Equal(t, "0", FormatAmount(0, 6))
	assert.Equal(t, "42", FormatAmount(42, 0))

	cases := []struct {
		in   string
		dec  uint8
		want uint64
		err  error
	}{
		{"1.5", 6, 1_500_000, nil},
		{"0.000001", 6, 1, nil},
		{"100", 0, 100, nil},
		{"0.0000001", 6, 0, ErrInvalidAmount},
		{"-1", 6, 0, ErrInvalidAmount},
		{"abc", 6, 0, ErrInvalidAmount},
		{"18446744073709551615", 0, math.MaxUint64, nil},
		{"18446744073709551616", 0, 0, ErrOverflow},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in, tc.dec)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestPosition_ParseAndJSON(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Position{"yes": PositionYes, "NO": PositionNo, "0": PositionYes, " 1 ": PositionNo} {
		got, err := ParsePosition(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePosition("maybe")
	assert.ErrorIs(t, err, ErrInvalidPosition)

	data, err := json.Marshal(PositionNo)
	require.NoError(t, err)
	assert.JSONEq(t, `"no"`, string(data))

	var p Position
	require.NoError(t, json.Unmarshal([]byte(`1`), &p))
	assert.Equal(t, PositionNo, p)
	require.NoError(t, json.Unmarshal([]byte(`"Yes"`), &p))
	assert.Equal(t, PositionYes, p)
	assert.ErrorIs(t, json.Unmarshal([]byte(`2`), &p), ErrInvalidPosition)

	_, err = json.Marshal(Position(2))
	assert.Error(t, err)
}

func TestPositionKey_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, PositionKey{MarketID: strings.Repeat("m", MaxMarketIDLen)}.Validate())
	assert.ErrorIs(t, PositionKey{MarketID: strings.Repeat("m", MaxMarketIDLen+1)}.Validate(), ErrMarketIDTooLong)
	assert.ErrorIs(t, PositionKey{Position: 7}.Validate(), ErrInvalidPosition)
	assert.ErrorIs(t, PositionKey{MarketID: "a\x00b"}.Validate(), ErrInvalidMarketID)
	assert.ErrorIs(t, PositionKey{MarketID: "\xff\xfe"}.Validate(), ErrInvalidMarketID)
	assert.NoError(t, PositionKey{MarketID: "élection-2026"}.Validate())
}

func TestVaultLedger_Touch(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := VaultLedger{Version: 1, UpdatedAt: t0}

	got := l.Touch(t0.Add(time.Minute))
	assert.Equal(t, uint64(2), l.Version)
	assert.Equal(t, t0.Add(time.Minute), got)

	got = l.Touch(t0)
	assert.Equal(t, uint64(3), l.Version)
	assert.Equal(t, t0.Add(time.Minute), got, "a clock step backwards keeps the previous stamp")
	assert.Equal(t, got, l.UpdatedAt)
}

func TestCheckedArithmetic(t *testing.T) {
	t.Parallel()

	_, err := CheckedAdd(math.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = CheckedSub(1, 2)
	assert.ErrorIs(t, err, ErrUnderflow)

	v, err := CheckedAdd(2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestReconcileReport(t *testing.T) {
	t.Parallel()

	ok := ReconcileReport{TotalDeposits: 10, RecordSum: 10, VaultBalance: 12}
	assert.True(t, ok.Consistent())

	assert.False(t, ReconcileReport{TotalDeposits: 10, RecordSum: 9, VaultBalance: 10}.Consistent())
	assert.False(t, ReconcileReport{TotalDeposits: 10, RecordSum: 10, VaultBalance: 9}.Consistent())
	assert.False(t, ReconcileReport{SumOverflow: true}.LedgerMatchesRecords())
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "insufficient_funds", ErrorCode(fmt.Errorf("vault: withdraw: %w", ErrInsufficientFunds)))
	assert.Equal(t, "nonce_reused", ErrorCode(ErrNonceReused))
	assert.Equal(t, "internal", ErrorCode(fmt.Errorf("boom")))
}
