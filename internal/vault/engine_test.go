package vault

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyield/internal/derive"
	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/store/memory"
	"github.com/alanyoungcy/polyield/internal/token"
)

var (
	programID = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	admin     = common.HexToAddress("0xad00000000000000000000000000000000000000")
	userA     = common.HexToAddress("0xa000000000000000000000000000000000000000")
	userB     = common.HexToAddress("0xb000000000000000000000000000000000000000")
	fixedNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type recordingBus struct {
	mu       sync.Mutex
	events   []domain.LedgerEvent
	streamed int
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel != domain.EventsChannel {
		return nil
	}
	var evt domain.LedgerEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	b.events = append(b.events, evt)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	b.streamed++
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type harness struct {
	engine *Engine
	host   *memory.Host
	bus    *recordingBus
	audit  *memory.AuditLog
}

func newHarness(t *testing.T) harness {
	t.Helper()

	d := derive.NewDeriver(programID)
	host := memory.NewHost()
	bus := &recordingBus{}
	audit := memory.NewAuditLog()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := NewEngine(host, token.NewProgram(d), d, logger).
		WithEvents(bus).
		WithAudit(audit).
		WithClock(func() time.Time { return fixedNow })

	ctx := context.Background()
	require.NoError(t, e.RegisterMint(ctx, usdc, "USDC", 6))
	return harness{engine: e, host: host, bus: bus, audit: audit}
}

func (h harness) initialized(t *testing.T) harness {
	t.Helper()
	_, err := h.engine.Initialize(context.Background(), admin, usdc)
	require.NoError(t, err)
	return h
}

func (h harness) fund(t *testing.T, owner common.Address, amount uint64) {
	t.Helper()
	_, err := h.engine.Faucet(context.Background(), owner, usdc, amount)
	require.NoError(t, err)
}

func (h harness) balance(t *testing.T, owner common.Address) uint64 {
	t.Helper()
	acct, err := h.engine.Balance(context.Background(), owner, usdc)
	require.NoError(t, err)
	return acct.Amount
}

func (h harness) total(t *testing.T) uint64 {
	t.Helper()
	l, err := h.engine.GetLedger(context.Background(), usdc)
	require.NoError(t, err)
	return l.TotalDeposits
}

func (h harness) requireConsistent(t *testing.T) {
	t.Helper()
	report, err := h.engine.Reconcile(context.Background(), usdc)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "report: %+v", report)
}

func deposit(owner common.Address, amount uint64, market string, pos domain.Position) DepositRequest {
	return DepositRequest{Caller: owner, Asset: usdc, Amount: amount, MarketID: market, Position: pos}
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ledger, err := h.engine.Initialize(context.Background(), admin, usdc)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), ledger.TotalDeposits)
	assert.Equal(t, admin, ledger.Administrator)
	assert.Equal(t, usdc, ledger.Asset)

	d := derive.NewDeriver(programID)
	wantLedger, ledgerTag, err := d.LedgerAddress(usdc)
	require.NoError(t, err)
	_, vaultTag, err := d.VaultAddress(usdc)
	require.NoError(t, err)
	assert.Equal(t, wantLedger, ledger.Address)
	assert.Equal(t, ledgerTag, ledger.LedgerAuthorityTag)
	assert.Equal(t, vaultTag, ledger.VaultAuthorityTag)

	h.requireConsistent(t)
	require.Len(t, h.bus.events, 1)
	assert.Equal(t, domain.EventVaultInitialized, h.bus.events[0].Type)
}

func TestInitialize_Twice(t *testing.T) {
	t.Parallel()

	h := newHarness(t).initialized(t)
	_, err := h.engine.Initialize(context.Background(), userA, usdc)
	require.ErrorIs(t, err, domain.ErrAlreadyInitialized)

	l, err := h.engine.GetLedger(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, admin, l.Administrator)
}

func TestInitialize_UnknownAsset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.Initialize(context.Background(), admin, common.HexToAddress("0x42"))
	require.ErrorIs(t, err, domain.ErrMintNotFound)
}

// Walks through the lifecycle of a single position: two deposits, an
// over-withdrawal, a foreign withdrawal and a full withdrawal.
func TestLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 2_000)
	h.fund(t, userB, 100)

	r, err := h.engine.Deposit(ctx, deposit(userA, 1_000, "M1", domain.PositionYes))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), r.Record.Amount)
	assert.Equal(t, uint64(1_000), r.Ledger.TotalDeposits)
	assert.Equal(t, fixedNow, r.Record.Timestamp)
	record := r.Record.Address

	r, err = h.engine.Deposit(ctx, deposit(userA, 500, "M1", domain.PositionYes))
	require.NoError(t, err)
	assert.Equal(t, record, r.Record.Address)
	assert.Equal(t, uint64(1_500), r.Record.Amount)
	assert.Equal(t, uint64(1_500), r.Ledger.TotalDeposits)
	assert.Equal(t, uint64(500), h.balance(t, userA))

	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: record, Amount: 2_000})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	rec, err := h.engine.GetRecord(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500), rec.Amount)

	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userB, Record: record, Amount: 1})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, uint64(100), h.balance(t, userB))

	r, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: record, Amount: 1_500})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Record.Amount)
	assert.Equal(t, uint64(0), r.Ledger.TotalDeposits)
	assert.Equal(t, uint64(2_000), h.balance(t, userA))

	rec, err = h.engine.GetRecord(ctx, record)
	require.NoError(t, err, "records persist at zero")
	assert.Equal(t, uint64(0), rec.Amount)

	h.requireConsistent(t)

	types := make([]domain.EventType, 0, len(h.bus.events))
	for _, e := range h.bus.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventVaultInitialized,
		domain.EventDeposited,
		domain.EventDeposited,
		domain.EventWithdrawn,
	}, types)
	assert.Equal(t, 4, h.bus.streamed)

	entries, err := h.audit.List(ctx, domain.AuditFilter{}, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, string(domain.EventWithdrawn), entries[0].Event)
}

func TestDeposit_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	long := make([]byte, domain.MaxMarketIDLen+1)
	for i := range long {
		long[i] = 'm'
	}

	tests := []struct {
		name    string
		req     DepositRequest
		wantErr error
	}{
		{"zero amount", deposit(userA, 0, "M1", domain.PositionYes), domain.ErrInvalidAmount},
		{"market id too long", deposit(userA, 1, string(long), domain.PositionYes), domain.ErrMarketIDTooLong},
		{"bad position", deposit(userA, 1, "M1", domain.Position(7)), domain.ErrInvalidPosition},
		{"vault missing", DepositRequest{Caller: userA, Asset: userB, Amount: 1, MarketID: "M1"}, domain.ErrVaultNotFound},
		{"balance", deposit(userA, 101, "M1", domain.PositionYes), domain.ErrInsufficientBalance},
		{"no account", deposit(userB, 1, "M1", domain.PositionYes), domain.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t).initialized(t)
			h.fund(t, userA, 100)

			_, err := h.engine.Deposit(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, uint64(0), h.total(t))
			assert.Equal(t, uint64(100), h.balance(t, userA))

			recs, err := h.engine.ListRecords(ctx, domain.RecordFilter{Asset: usdc})
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestDeposit_MarketIDBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t).initialized(t)
	h.fund(t, userA, 10)

	exact := make([]byte, domain.MaxMarketIDLen)
	for i := range exact {
		exact[i] = 'x'
	}
	_, err := h.engine.Deposit(context.Background(), deposit(userA, 1, string(exact), domain.PositionNo))
	require.NoError(t, err)

	_, err = h.engine.Deposit(context.Background(), deposit(userA, 1, "", domain.PositionNo))
	require.NoError(t, err)
	h.requireConsistent(t)
}

func TestDeposit_Isolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 1_000)
	h.fund(t, userB, 1_000)

	yes, err := h.engine.Deposit(ctx, deposit(userA, 100, "M1", domain.PositionYes))
	require.NoError(t, err)
	no, err := h.engine.Deposit(ctx, deposit(userA, 200, "M1", domain.PositionNo))
	require.NoError(t, err)
	other, err := h.engine.Deposit(ctx, deposit(userA, 300, "M2", domain.PositionYes))
	require.NoError(t, err)
	bobs, err := h.engine.Deposit(ctx, deposit(userB, 400, "M1", domain.PositionYes))
	require.NoError(t, err)

	addrs := map[common.Address]bool{
		yes.Record.Address:   true,
		no.Record.Address:    true,
		other.Record.Address: true,
		bobs.Record.Address:  true,
	}
	assert.Len(t, addrs, 4)

	rec, err := h.engine.GetRecord(ctx, yes.Record.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), rec.Amount)
	assert.Equal(t, uint64(1_000), h.total(t))

	mine, err := h.engine.ListRecords(ctx, domain.RecordFilter{Asset: usdc, Depositor: &userA})
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	addr, err := h.engine.RecordAddress(usdc, userA, "M1", domain.PositionNo)
	require.NoError(t, err)
	assert.Equal(t, no.Record.Address, addr)

	h.requireConsistent(t)
}

func TestWithdraw_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 100)
	r, err := h.engine.Deposit(ctx, deposit(userA, 100, "M1", domain.PositionYes))
	require.NoError(t, err)

	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: common.HexToAddress("0xdead"), Amount: 1})
	require.ErrorIs(t, err, domain.ErrRecordNotFound)

	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: r.Record.Address, Amount: 0})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userB, Record: r.Record.Address, Amount: 0})
	require.ErrorIs(t, err, domain.ErrUnauthorized, "ownership is checked before amount")

	assert.Equal(t, uint64(100), h.total(t))
	h.requireConsistent(t)
}

func TestWithdraw_PartialThenRest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 100)
	r, err := h.engine.Deposit(ctx, deposit(userA, 100, "M1", domain.PositionNo))
	require.NoError(t, err)

	for _, amt := range []uint64{30, 70} {
		_, err := h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: r.Record.Address, Amount: amt})
		require.NoError(t, err)
		h.requireConsistent(t)
	}
	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: r.Record.Address, Amount: 1})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(100), h.balance(t, userA))
}

func TestDeposit_RecordOverflowRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 5)

	addr, err := h.engine.RecordAddress(usdc, userA, "M1", domain.PositionYes)
	require.NoError(t, err)
	_, tag, err := derive.NewDeriver(programID).RecordAddress(domain.PositionKey{
		Asset: usdc, Depositor: userA, MarketID: "M1", Position: domain.PositionYes,
	})
	require.NoError(t, err)
	require.NoError(t, h.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, _, err := tx.Records().GetOrCreate(ctx, domain.PositionRecord{
			Address: addr, Asset: usdc, Depositor: userA, MarketID: "M1",
			Position: domain.PositionYes, Amount: math.MaxUint64, Tag: tag,
		})
		return err
	}))

	_, err = h.engine.Deposit(ctx, deposit(userA, 1, "M1", domain.PositionYes))
	require.ErrorIs(t, err, domain.ErrOverflow)
	assert.Equal(t, uint64(5), h.balance(t, userA), "transfer rolled back")

	rec, err := h.engine.GetRecord(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), rec.Amount)
}

func TestDeposit_HoldingAccountOverflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, math.MaxUint64)
	h.fund(t, userB, 1)

	_, err := h.engine.Deposit(ctx, deposit(userA, math.MaxUint64, "M1", domain.PositionYes))
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), h.total(t))

	_, err = h.engine.Deposit(ctx, deposit(userB, 1, "M1", domain.PositionYes))
	require.ErrorIs(t, err, domain.ErrOverflow)
	assert.Equal(t, uint64(1), h.balance(t, userB))
	h.requireConsistent(t)
}

func TestWithdraw_LedgerUnderflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 50)
	r, err := h.engine.Deposit(ctx, deposit(userA, 50, "M1", domain.PositionYes))
	require.NoError(t, err)

	require.NoError(t, h.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		l, err := tx.Ledgers().Get(ctx, usdc)
		if err != nil {
			return err
		}
		l.TotalDeposits = 10
		return tx.Ledgers().Save(ctx, l)
	}))

	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: r.Record.Address, Amount: 50})
	require.ErrorIs(t, err, domain.ErrUnderflow)
	assert.Equal(t, uint64(0), h.balance(t, userA))

	report, err := h.engine.Reconcile(ctx, usdc)
	require.NoError(t, err)
	assert.False(t, report.LedgerMatchesRecords())
	assert.True(t, report.VaultCovered())
}

func TestWithdraw_TamperedRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 50)
	r, err := h.engine.Deposit(ctx, deposit(userA, 50, "M1", domain.PositionYes))
	require.NoError(t, err)

	require.NoError(t, h.host.Execute(ctx, func(ctx context.Context, tx domain.Tx) error {
		rec, err := tx.Records().Get(ctx, r.Record.Address)
		if err != nil {
			return err
		}
		rec.MarketID = "M9"
		return tx.Records().Save(ctx, rec)
	}))

	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: r.Record.Address, Amount: 1})
	require.ErrorIs(t, err, domain.ErrRecordMismatch)
}

func TestConservation_ManyOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	users := []common.Address{userA, userB, admin}
	for _, u := range users {
		h.fund(t, u, 10_000)
	}

	markets := []string{"M1", "M2", "M3"}
	var records []Receipt
	for i := 0; i < 30; i++ {
		u := users[i%len(users)]
		pos := domain.Position(i % 2)
		r, err := h.engine.Deposit(ctx, deposit(u, uint64(10+i), markets[i%len(markets)], pos))
		require.NoError(t, err)
		records = append(records, r)
	}
	for i, r := range records {
		if i%3 != 0 {
			continue
		}
		rec, err := h.engine.GetRecord(ctx, r.Record.Address)
		require.NoError(t, err)
		if rec.Amount == 0 {
			continue
		}
		_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: rec.Depositor, Record: rec.Address, Amount: rec.Amount / 2})
		if rec.Amount/2 == 0 {
			require.ErrorIs(t, err, domain.ErrInvalidAmount)
			continue
		}
		require.NoError(t, err)
	}
	h.requireConsistent(t)

	snap, err := h.engine.Snapshot(ctx, usdc)
	require.NoError(t, err)
	var sum uint64
	for _, rec := range snap.Records {
		sum += rec.Amount
	}
	assert.Equal(t, snap.Ledger.TotalDeposits, sum)
	assert.True(t, snap.Report.Consistent())
}

func TestGetLedger_NotInitialized(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.GetLedger(context.Background(), usdc)
	require.ErrorIs(t, err, domain.ErrVaultNotFound)
}

func TestFaucet_RejectsZero(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.Faucet(context.Background(), userA, usdc, 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestFreeze_BlocksTransfersUntilThawed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t).initialized(t)
	h.fund(t, userA, 100)
	rc, err := h.engine.Deposit(ctx, deposit(userA, 40, "M1", domain.PositionYes))
	require.NoError(t, err)

	acct, err := h.engine.Freeze(ctx, userA, usdc, true)
	require.NoError(t, err)
	assert.True(t, acct.Frozen)

	_, err = h.engine.Deposit(ctx, deposit(userA, 10, "M1", domain.PositionYes))
	require.ErrorIs(t, err, domain.ErrAccountFrozen)
	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: rc.Record.Address, Amount: 10})
	require.ErrorIs(t, err, domain.ErrAccountFrozen)
	assert.Equal(t, uint64(40), h.total(t))
	h.requireConsistent(t)

	_, err = h.engine.Freeze(ctx, userA, usdc, false)
	require.NoError(t, err)
	_, err = h.engine.Withdraw(ctx, WithdrawRequest{Caller: userA, Record: rc.Record.Address, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(70), h.balance(t, userA))
}

func TestFreeze_UnknownAccount(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.Freeze(context.Background(), userB, usdc, true)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}
