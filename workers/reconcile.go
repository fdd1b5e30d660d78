package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gomicropay/config"
	"gomicropay/settlement"
	"gomicropay/store"
	"gomicropay/types"
)

var ErrUnknownProvider = errors.New("no client for payment provider")

// StatusSource reports the payment state of a swap or quote.
type StatusSource interface {
	GetStatus(ctx context.Context, id string) (types.PaymentStatus, error)
}

type Settler interface {
	Settle(ctx context.Context, rec *types.SwapRecord, checkpoint settlement.Checkpoint) (string, error)
}

// Reconciler is the oracle loop. It is the only writer of record status;
// the HTTP side only appends new records through Register.
type Reconciler struct {
	store    store.Store
	sources  map[string]StatusSource
	settler  Settler
	interval time.Duration
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time

	// serializes load-modify-save cycles on the store
	mu sync.Mutex
}

func NewReconciler(s store.Store, sources map[string]StatusSource, settler Settler, interval time.Duration, log *zap.Logger, metrics *Metrics) *Reconciler {
	if interval <= 0 {
		interval = config.DEFAULT_POLL_INTERVAL
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Reconciler{
		store:    s,
		sources:  sources,
		settler:  settler,
		interval: interval,
		log:      log,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Worker_reconcile runs the loop until ctx is cancelled. A tick in progress
// is allowed to finish.
func Worker_reconcile(ctx context.Context, r *Reconciler) {
	r.log.Info("oracle started", zap.Duration("poll_interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("oracle stopped")
			return
		default:
		}

		_ = r.Tick(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			r.log.Info("oracle stopped")
			return
		case <-time.After(r.interval):
		}
	}
}

// Tick runs a single reconciliation pass over every pending record. Only a
// failure to read the store is returned; per-record errors are logged.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.metrics.ticks.Inc()
	log := r.log.With(zap.String("tick_id", uuid.NewString()))

	pending, err := store.FindByStatus(ctx, r.store, types.StatusPendingDeposit)
	if err != nil {
		r.metrics.tickErrors.Inc()
		log.Error("cannot load swap records", zap.Error(err))
		return err
	}
	r.metrics.pending.Set(float64(len(pending)))
	if len(pending) == 0 {
		log.Debug("no pending swaps")
		return nil
	}

	log.Info("checking pending swaps", zap.Int("count", len(pending)))
	for _, rec := range pending {
		outcome := r.ProcessRecord(ctx, rec, log)
		r.metrics.records.WithLabelValues(outcome).Inc()
	}
	return nil
}

// ProcessRecord advances one record as far as it can go and returns the
// outcome. It never panics the loop on a bad record.
func (r *Reconciler) ProcessRecord(ctx context.Context, rec types.SwapRecord, log *zap.Logger) (outcome string) {
	log = log.With(zap.String("swap_id", rec.SwapID))
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while processing swap", zap.Any("panic", p), zap.Stack("stack"))
			outcome = outcomeTransient
		}
	}()

	if rec.Status != types.StatusPendingDeposit {
		return outcomeWaiting
	}

	// payment already observed, a late provider answer must not abandon a
	// half-done settlement
	if rec.CurrentStage().After(types.StagePaymentSeen) {
		log.Info("resuming settlement", zap.String("stage", string(rec.CurrentStage())))
		return r.settle(ctx, rec, log)
	}

	provider := providerOf(rec)
	source, ok := r.sources[provider]
	if !ok {
		log.Error("cannot check payment", zap.Error(fmt.Errorf("%w: %s", ErrUnknownProvider, provider)))
		return outcomeTransient
	}

	status, err := source.GetStatus(ctx, rec.SwapID)
	if err != nil {
		log.Warn("cannot get payment status", zap.String("provider", provider), zap.Error(err))
		return outcomeTransient
	}
	log.Info("payment status", zap.String("provider", provider), zap.String("status", string(status)))

	switch {
	case status == types.PaymentFailed:
		if err := rec.Transition(types.StatusFailed); err != nil {
			log.Error("illegal transition", zap.Error(err))
			return outcomeTransient
		}
		rec.AddMessage(fmt.Sprintf("payment failed at %s", provider))
		if err := r.save(ctx, rec); err != nil {
			log.Error("cannot save failed swap", zap.Error(err))
			return outcomeTransient
		}
		return outcomeProviderFailed

	case confirmed(protocolOf(rec), status):
		if rec.CurrentStage() != types.StagePaymentSeen {
			rec.Stage = types.StagePaymentSeen
			if err := r.save(ctx, rec); err != nil {
				log.Error("cannot save payment stage", zap.Error(err))
				return outcomeTransient
			}
		}
		return r.settle(ctx, rec, log)
	}

	return outcomeWaiting
}

func (r *Reconciler) settle(ctx context.Context, rec types.SwapRecord, log *zap.Logger) string {
	start := r.now()
	txHash, err := r.settler.Settle(ctx, &rec, r.save)
	r.metrics.settleDuration.Observe(r.now().Sub(start).Seconds())

	if err != nil {
		if !settlement.IsFatal(err) {
			log.Warn("settlement not finished, retrying next tick", zap.String("stage", string(rec.CurrentStage())), zap.Error(err))
			return outcomeTransient
		}
		log.Error("settlement failed", zap.Error(err))
		if terr := rec.Transition(types.StatusFailed); terr != nil {
			log.Error("illegal transition", zap.Error(terr))
			return outcomeTransient
		}
		rec.AddMessage(err.Error())
		if serr := r.save(ctx, rec); serr != nil {
			log.Error("cannot save failed swap", zap.Error(serr))
			return outcomeTransient
		}
		return outcomeFailed
	}

	rec.TxHash = txHash
	if err := rec.Transition(types.StatusConfirmed); err != nil {
		log.Error("illegal transition", zap.Error(err))
		return outcomeTransient
	}
	if err := r.save(ctx, rec); err != nil {
		// stage SETTLED is already persisted, the next pass only flips the status
		log.Error("cannot save confirmed swap", zap.Error(err))
		return outcomeTransient
	}
	log.Info("content unlocked", zap.String("user", rec.UserAddress), zap.String("content_id", rec.ContentID), zap.String("tx_hash", txHash))
	return outcomeConfirmed
}

// save replaces the stored record with the same swap id. The stored status
// never moves backwards.
func (r *Reconciler) save(ctx context.Context, rec types.SwapRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	found := false
	for i := range records {
		if records[i].SwapID != rec.SwapID {
			continue
		}
		if records[i].Status.Terminal() && records[i].Status != rec.Status {
			return fmt.Errorf("swap %s is already %s", rec.SwapID, records[i].Status)
		}
		rec.TsUpdated = r.now().Unix()
		records[i] = rec
		found = true
		break
	}
	if !found {
		return fmt.Errorf("swap %s vanished from the store", rec.SwapID)
	}
	return r.store.SaveAll(ctx, records)
}

// Register stores a new PENDING_DEPOSIT record.
func (r *Reconciler) Register(ctx context.Context, rec types.SwapRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, existing := range records {
		if existing.SwapID == rec.SwapID {
			return fmt.Errorf("%w: %s", store.ErrDuplicateSwap, rec.SwapID)
		}
	}
	rec.Status = types.StatusPendingDeposit
	rec.Stage = types.StageAwaitingPayment
	rec.TsCreated = r.now().Unix()
	rec.TsUpdated = rec.TsCreated
	if err := r.store.SaveAll(ctx, append(records, rec)); err != nil {
		return err
	}
	r.log.Info("swap registered", zap.String("swap_id", rec.SwapID), zap.String("provider", rec.Provider), zap.String("content_id", rec.ContentID))
	return nil
}

// Record returns one record, or nil.
func (r *Reconciler) Record(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	return store.Find(ctx, r.store, swapID)
}

func (r *Reconciler) Records(ctx context.Context, status types.Status) ([]types.SwapRecord, error) {
	return store.FindByStatus(ctx, r.store, status)
}

func providerOf(rec types.SwapRecord) string {
	if rec.Provider == "" {
		return types.ProviderAtomiq
	}
	return rec.Provider
}

func protocolOf(rec types.SwapRecord) string {
	if rec.Protocol == "" {
		return types.ProtocolSwap
	}
	return rec.Protocol
}

// confirmed reports whether status is the trigger to settle under protocol.
// The swap protocol may unlock as soon as the Bitcoin side is confirmed; the
// voucher protocol needs the provider to be fully done.
func confirmed(protocol string, status types.PaymentStatus) bool {
	switch status {
	case types.PaymentDone:
		return true
	case types.PaymentSourceConfirmed:
		return protocol == types.ProtocolSwap
	}
	return false
}
