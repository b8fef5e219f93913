package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/notify"
)

// reconcileLockKey serialises reconcile passes across replicas.
const reconcileLockKey = "reconcile"

// VaultAuditor is the part of the vault engine the reconciler reads.
type VaultAuditor interface {
	ListLedgers(ctx context.Context) ([]domain.VaultLedger, error)
	Reconcile(ctx context.Context, asset common.Address) (domain.ReconcileReport, error)
	Snapshot(ctx context.Context, asset common.Address) (domain.Snapshot, error)
}

// PassResult summarises one reconcile pass.
type PassResult struct {
	Checked      int
	Inconsistent []common.Address
	Snapshots    []string
	// Skipped is set when another replica held the reconcile lock.
	Skipped bool
}

// Reconciler periodically checks every vault's conservation invariant,
// exports snapshots and alerts operators when a vault is out of balance.
type Reconciler struct {
	vaults    VaultAuditor
	snapshots domain.SnapshotStore
	keep      int
	locks     domain.LockManager
	lockTTL   time.Duration
	notifier  *notify.Notifier
	logger    *slog.Logger

	mu      sync.Mutex
	failing map[common.Address]bool
}

// NewReconciler creates a Reconciler that only checks and logs.
func NewReconciler(vaults VaultAuditor, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		vaults:  vaults,
		logger:  logger.With(slog.String("component", "reconciler")),
		failing: make(map[common.Address]bool),
	}
}

// WithSnapshots exports a snapshot of each vault per pass and keeps the
// newest keep of them. keep <= 0 never prunes.
func (r *Reconciler) WithSnapshots(store domain.SnapshotStore, keep int) *Reconciler {
	r.snapshots = store
	r.keep = keep
	return r
}

// WithLocks makes passes exclusive across replicas.
func (r *Reconciler) WithLocks(locks domain.LockManager, ttl time.Duration) *Reconciler {
	r.locks = locks
	r.lockTTL = ttl
	return r
}

// WithNotifier sends alerts for mismatches, failures and recoveries.
func (r *Reconciler) WithNotifier(n *notify.Notifier) *Reconciler {
	r.notifier = n
	return r
}

// RunOnce reconciles every initialized vault. A failure on one vault does not
// stop the others; the failures are joined into the returned error.
func (r *Reconciler) RunOnce(ctx context.Context) (PassResult, error) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, reconcileLockKey, r.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.InfoContext(ctx, "reconcile pass skipped, lock held elsewhere")
			return PassResult{Skipped: true}, nil
		}
		if err != nil {
			return PassResult{}, fmt.Errorf("service: reconcile: acquire lock: %w", err)
		}
		defer unlock()
	}

	ledgers, err := r.vaults.ListLedgers(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("service: reconcile: list ledgers: %w", err)
	}

	var res PassResult
	var errs []error
	for _, l := range ledgers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, path, err := r.check(ctx, l.Asset)
		if err != nil {
			errs = append(errs, err)
			r.alert(ctx, notify.Alert{
				Event:    notify.EventReconcileFailed,
				Severity: notify.SeverityWarning,
				Title:    "Vault reconcile failed",
				Key:      notify.EventReconcileFailed + ":" + l.Asset.Hex(),
				Fields:   map[string]string{"asset": l.Asset.Hex(), "error": err.Error()},
			})
			continue
		}
		res.Checked++
		if path != "" {
			res.Snapshots = append(res.Snapshots, path)
		}
		if !report.Consistent() {
			res.Inconsistent = append(res.Inconsistent, l.Asset)
		}
		r.track(ctx, report)
	}

	r.logger.InfoContext(ctx, "reconcile pass complete",
		slog.Int("vaults", len(ledgers)),
		slog.Int("checked", res.Checked),
		slog.Int("inconsistent", len(res.Inconsistent)),
		slog.Int("snapshots", len(res.Snapshots)),
	)
	if len(errs) > 0 {
		return res, fmt.Errorf("service: reconcile: %w", errors.Join(errs...))
	}
	return res, nil
}

// check reconciles one vault and, when configured, exports and prunes its
// snapshots. Snapshot upload failures alert but do not fail the check.
func (r *Reconciler) check(ctx context.Context, asset common.Address) (domain.ReconcileReport, string, error) {
	if r.snapshots == nil {
		report, err := r.vaults.Reconcile(ctx, asset)
		return report, "", err
	}

	snap, err := r.vaults.Snapshot(ctx, asset)
	if err != nil {
		return domain.ReconcileReport{}, "", err
	}
	path, err := r.snapshots.Export(ctx, snap)
	if err != nil {
		r.logger.WarnContext(ctx, "snapshot export failed",
			slog.String("asset", asset.Hex()),
			slog.String("error", err.Error()),
		)
		r.alert(ctx, notify.Alert{
			Event:    notify.EventSnapshotFailed,
			Severity: notify.SeverityWarning,
			Title:    "Vault snapshot export failed",
			Key:      notify.EventSnapshotFailed + ":" + asset.Hex(),
			Fields:   map[string]string{"asset": asset.Hex(), "error": err.Error()},
		})
		return snap.Report, "", nil
	}
	if r.keep > 0 {
		if _, err := r.snapshots.Prune(ctx, asset, r.keep); err != nil {
			r.logger.WarnContext(ctx, "snapshot prune failed",
				slog.String("asset", asset.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap.Report, path, nil
}

// track alerts on a vault going out of balance and on its recovery.
func (r *Reconciler) track(ctx context.Context, report domain.ReconcileReport) {
	asset := report.Asset
	r.mu.Lock()
	wasFailing := r.failing[asset]
	r.failing[asset] = !report.Consistent()
	r.mu.Unlock()

	mismatchKey := notify.EventReconcileMismatch + ":" + asset.Hex()
	fields := map[string]string{
		"asset":          asset.Hex(),
		"total_deposits": strconv.FormatUint(report.TotalDeposits, 10),
		"record_sum":     strconv.FormatUint(report.RecordSum, 10),
		"record_count":   strconv.Itoa(report.RecordCount),
		"vault_balance":  strconv.FormatUint(report.VaultBalance, 10),
	}

	switch {
	case !report.Consistent():
		if report.SumOverflow {
			fields["record_sum"] = "overflow"
		}
		r.alert(ctx, notify.Alert{
			Event:    notify.EventReconcileMismatch,
			Severity: notify.SeverityCritical,
			Title:    "Vault out of balance",
			Key:      mismatchKey,
			Fields:   fields,
		})
	case wasFailing:
		r.notifier.Reset(mismatchKey)
		r.alert(ctx, notify.Alert{
			Event:    notify.EventReconcileRecovered,
			Severity: notify.SeverityInfo,
			Title:    "Vault back in balance",
			Key:      notify.EventReconcileRecovered + ":" + asset.Hex(),
			Fields:   fields,
		})
	}
}

func (r *Reconciler) alert(ctx context.Context, a notify.Alert) {
	if !r.notifier.Enabled() {
		return
	}
	if err := r.notifier.Notify(ctx, a); err != nil {
		r.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}

// cronParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as "@every 5m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RunCron runs a pass on every tick of spec until ctx is cancelled. A pass
// still running when the next tick fires makes that tick a no-op.
func (r *Reconciler) RunCron(ctx context.Context, spec string) error {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(spec, func() {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "reconcile pass failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("service: reconcile: parse schedule %q: %w", spec, err)
	}

	r.logger.InfoContext(ctx, "reconciler started", slog.String("schedule", spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
	return nil
}

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}
