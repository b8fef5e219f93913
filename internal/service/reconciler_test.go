package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memblob "github.com/alanyoungcy/polyield/internal/blob/memory"
	s3blob "github.com/alanyoungcy/polyield/internal/blob/s3"
	"github.com/alanyoungcy/polyield/internal/derive"
	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/notify"
	"github.com/alanyoungcy/polyield/internal/store/memory"
	"github.com/alanyoungcy/polyield/internal/token"
	"github.com/alanyoungcy/polyield/internal/vault"
)

var (
	discard   = slog.New(slog.NewTextHandler(io.Discard, nil))
	programID = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	admin     = common.HexToAddress("0xad00000000000000000000000000000000000000")
	user      = common.HexToAddress("0xa000000000000000000000000000000000000000")
)

type recordingSender struct{ alerts []notify.Alert }

func (r *recordingSender) Send(_ context.Context, a notify.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) events() []string {
	out := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Event)
	}
	return out
}

func newFundedEngine(t *testing.T) (*vault.Engine, *memory.Host) {
	t.Helper()

	ctx := context.Background()
	d := derive.NewDeriver(programID)
	host := memory.NewHost()
	e := vault.NewEngine(host, token.NewProgram(d), d, discard)
	require.NoError(t, e.RegisterMint(ctx, usdc, "USDC", 6))
	_, err := e.Initialize(ctx, admin, usdc)
	require.NoError(t, err)
	_, err = e.Faucet(ctx, user, usdc, 1_000)
	require.NoError(t, err)
	_, err = e.Deposit(ctx, vault.DepositRequest{Caller: user, Asset: usdc, Amount: 400, MarketID: "m", Position: domain.PositionYes})
	require.NoError(t, err)
	return e, host
}

func setTotal(t *testing.T, host *memory.Host, total uint64) {
	t.Helper()
	err := host.Execute(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		l, err := tx.Ledgers().Get(ctx, usdc)
		if err != nil {
			return err
		}
		l.TotalDeposits = total
		return tx.Ledgers().Save(ctx, l)
	})
	require.NoError(t, err)
}

func TestReconciler_SnapshotsAndAlerts(t *testing.T) {
	t.Parallel()

	engine, host := newFundedEngine(t)
	blobs := memblob.New()
	snaps := s3blob.NewSnapshotStore(blobs, blobs, blobs)
	sender := &recordingSender{}
	r := NewReconciler(engine, discard).
		WithSnapshots(snaps, 2).
		WithNotifier(notify.NewNotifier([]notify.Sender{sender}, nil, time.Hour, discard))
	ctx := context.Background()

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Empty(t, res.Inconsistent)
	require.Len(t, res.Snapshots, 1)
	assert.Empty(t, sender.alerts)

	setTotal(t, host, 999)
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{usdc}, res.Inconsistent)
	assert.Equal(t, []string{notify.EventReconcileMismatch}, sender.events())
	assert.Equal(t, "999", sender.alerts[0].Fields["total_deposits"])
	assert.Equal(t, "400", sender.alerts[0].Fields["record_sum"])

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, sender.alerts, 1, "repeat mismatch is within cooldown")

	setTotal(t, host, 400)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{notify.EventReconcileMismatch, notify.EventReconcileRecovered}, sender.events())

	infos, err := snaps.List(ctx, usdc)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(infos), 2, "older snapshots pruned")
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type countingLock struct{ acquired, released atomic.Int32 }

func (c *countingLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	c.acquired.Add(1)
	return func() { c.released.Add(1) }, nil
}

func TestReconciler_Locking(t *testing.T) {
	t.Parallel()

	engine, _ := newFundedEngine(t)
	ctx := context.Background()

	res, err := NewReconciler(engine, discard).WithLocks(heldLock{}, time.Minute).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Checked)

	lock := &countingLock{}
	res, err = NewReconciler(engine, discard).WithLocks(lock, time.Minute).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, int32(1), lock.acquired.Load())
	assert.Equal(t, int32(1), lock.released.Load())
}

type fakeAuditor struct {
	ledgers []domain.VaultLedger
	failOn  common.Address
	passes  atomic.Int32
}

func (f *fakeAuditor) ListLedgers(context.Context) ([]domain.VaultLedger, error) {
	f.passes.Add(1)
	return f.ledgers, nil
}

func (f *fakeAuditor) Reconcile(_ context.Context, asset common.Address) (domain.ReconcileReport, error) {
	if asset == f.failOn {
		return domain.ReconcileReport{}, errors.New("db down")
	}
	return domain.ReconcileReport{Asset: asset}, nil
}

func (f *fakeAuditor) Snapshot(context.Context, common.Address) (domain.Snapshot, error) {
	return domain.Snapshot{}, errors.New("not used")
}

func TestReconciler_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	bad := common.HexToAddress("0xbad")
	f := &fakeAuditor{
		ledgers: []domain.VaultLedger{{Asset: bad}, {Asset: usdc}},
		failOn:  bad,
	}
	sender := &recordingSender{}
	r := NewReconciler(f, discard).WithNotifier(notify.NewNotifier([]notify.Sender{sender}, nil, 0, discard))

	res, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, []string{notify.EventReconcileFailed}, sender.events())
}

func TestReconciler_RunCron(t *testing.T) {
	t.Parallel()

	f := &fakeAuditor{}
	r := NewReconciler(f, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunCron(ctx, "@every 1s") }()

	require.Eventually(t, func() bool { return f.passes.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunCron did not return after cancel")
	}

	require.Error(t, r.RunCron(context.Background(), "not a schedule"))
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSchedule("*/5 * * * *"))
	require.NoError(t, ValidateSchedule("0 */5 * * * *"))
	require.NoError(t, ValidateSchedule("@hourly"))
	require.Error(t, ValidateSchedule("61 * * * *"))
}
