// Package confirmation runs the per-record submit/poll state machine that
// drives evidence records from NEW through to FINALIZED_COMMITMENT (or
// ERRORED_COMMITMENT). It is grounded on the teacher's pkg/batch/processor.go
// (single-flight guard per work item, mutex-guarded processing set) and
// pkg/anchor/scheduler.go (ticker-driven loop, running flag, stopChan).
package confirmation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/proofvault/engine/pkg/config"
	"github.com/proofvault/engine/pkg/evidence"
	"github.com/proofvault/engine/pkg/fingerprint"
	"github.com/proofvault/engine/pkg/ledger"
)

var (
	workersInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofvault",
		Subsystem: "confirmation",
		Name:      "workers_in_use",
		Help:      "Number of confirmation engine worker slots currently processing a record.",
	})
	workersCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofvault",
		Subsystem: "confirmation",
		Name:      "workers_capacity",
		Help:      "Configured size of the confirmation engine's worker pool.",
	})
)

// Engine drives evidence records through their lifecycle: submitting new
// records to the ledger and polling submitted ones until they finalize or
// error out.
type Engine struct {
	repo      *evidence.Repository
	ledger    *ledger.Client
	builder   *fingerprint.Builder
	signer    fingerprint.Signer
	poolSize  int
	tickEvery time.Duration
	pollInit  time.Duration
	pollCeil  time.Duration
	totalDead time.Duration
	logger    *log.Logger

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	scheduleMu sync.Mutex
	schedule   map[uuid.UUID]*pollState

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex
}

type pollState struct {
	delay time.Duration
}

// New builds a confirmation engine. The signer argument is the process's
// keystore identity, used to produce attestation signatures at submit time.
func New(cfg *config.Config, repo *evidence.Repository, ledgerClient *ledger.Client, builder *fingerprint.Builder, signer fingerprint.Signer) *Engine {
	workersCapacity.Set(float64(cfg.WorkersPoolSize))
	return &Engine{
		repo:      repo,
		ledger:    ledgerClient,
		builder:   builder,
		signer:    signer,
		poolSize:  cfg.WorkersPoolSize,
		tickEvery: 1 * time.Second,
		pollInit:  config.DeadlineDuration(cfg.ConfirmationPollInitialMs),
		pollCeil:  config.DeadlineDuration(cfg.ConfirmationPollCeilingMs),
		totalDead: config.DeadlineDuration(cfg.ConfirmationTotalDeadlineMs),
		logger:    log.New(log.Writer(), "[confirmation] ", log.LstdFlags),
		locks:     make(map[uuid.UUID]*sync.Mutex),
		schedule:  make(map[uuid.UUID]*pollState),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the engine's polling loop in the background. Start is
// idempotent; calling it twice on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	e.runMu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Printf("started (pool_size=%d)", e.poolSize)
}

// Stop signals the loop to exit and waits for in-flight work to drain.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.runMu.Unlock()

	close(e.stopChan)
	e.wg.Wait()
	e.logger.Println("stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickEvery)
	defer ticker.Stop()

	sem := make(chan struct{}, e.poolSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.dispatchTick(ctx, sem)
		}
	}
}

func (e *Engine) dispatchTick(ctx context.Context, sem chan struct{}) {
	newRecords, err := e.repo.List(ctx, evidence.ListFilters{Status: statusPtr(evidence.StatusNew), Limit: e.poolSize})
	if err != nil {
		e.logger.Printf("list NEW records failed: %v", err)
		return
	}
	pending, err := e.repo.ListPendingConfirmation(ctx, e.poolSize)
	if err != nil {
		e.logger.Printf("list pending records failed: %v", err)
		return
	}

	work := append(newRecords, pending...)
	for _, rec := range work {
		if !e.dueForWork(rec) {
			continue
		}
		select {
		case sem <- struct{}{}:
		default:
			return // pool saturated this tick; remaining records pick up next tick
		}
		workersInUse.Inc()
		e.wg.Add(1)
		go func(r *evidence.Record) {
			defer e.wg.Done()
			defer workersInUse.Dec()
			defer func() { <-sem }()
			e.processRecord(ctx, r)
		}(rec)
	}
}

func statusPtr(s evidence.Status) *evidence.Status { return &s }

// dueForWork reports whether enough time has elapsed since the last check to
// attempt this record again, per its exponential polling schedule.
func (e *Engine) dueForWork(rec *evidence.Record) bool {
	if rec.Status == evidence.StatusNew {
		return true
	}
	if !rec.LastStatusCheckAt.Valid {
		return true
	}
	e.scheduleMu.Lock()
	state, ok := e.schedule[rec.ID]
	e.scheduleMu.Unlock()
	delay := e.pollInit
	if ok {
		delay = state.delay
	}
	return time.Since(rec.LastStatusCheckAt.Time) >= delay
}

// Kick processes id immediately in the background instead of waiting for
// the next tick, mirroring the teacher's on-demand request path in
// pkg/anchor/scheduler.go (onDemandProcessor) alongside its regular batch
// sweep. It is fire-and-forget: callers observe progress via Load, not via
// this call's return.
func (e *Engine) Kick(ctx context.Context, id uuid.UUID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rec, err := e.repo.Load(ctx, id)
		if err != nil {
			e.logger.Printf("kick %s: reload failed: %v", id, err)
			return
		}
		e.processRecord(ctx, rec)
	}()
}

func (e *Engine) lockFor(id uuid.UUID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	return m
}

// processRecord advances a single record by exactly one state transition,
// holding a per-record lock so only one submission or poll is ever in
// flight for a given id.
func (e *Engine) processRecord(ctx context.Context, rec *evidence.Record) {
	lock := e.lockFor(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.repo.Load(ctx, rec.ID)
	if err != nil {
		e.logger.Printf("reload %s failed: %v", rec.ID, err)
		return
	}

	switch current.Status {
	case evidence.StatusNew, evidence.StatusSubmitted:
		// A retried record also lands in SUBMITTED; submit decides for
		// itself whether that means re-submission or a straight poll.
		e.submit(ctx, current)
	case evidence.StatusPendingCommitment:
		e.poll(ctx, current)
	}
}

// submit re-uses the stored ledger_tx_id and polls if one is already set
// (a retry of a record that errored mid-polling, or a scheduling race that
// re-queued an already-submitted record); it only performs a fresh ledger
// submission when ledger_tx_id is null.
func (e *Engine) submit(ctx context.Context, rec *evidence.Record) {
	if rec.LedgerTxID.Valid {
		e.poll(ctx, rec)
		return
	}

	frec := fingerprint.Record{
		ID:                rec.ID,
		ContentHash:       rec.ContentHash,
		Filename:          rec.Filename,
		SubmitterLabel:    rec.SubmitterLabel,
		OrganizationLabel: rec.OrganizationLabel,
		CreatedAt:         rec.CreatedAt,
	}
	attestation, fingerprintHash, err := e.builder.Build(frec, e.signer)
	if err != nil {
		e.recordError(ctx, rec, rec.Status, err)
		return
	}

	ack, err := e.ledger.Submit(ctx, e.builder.OrgID, e.builder.TenantID, attestation)
	if err != nil {
		if callErr, ok := err.(*ledger.CallError); ok && callErr.Category == ledger.ClientError {
			e.transitionOrLog(ctx, rec.ID, rec.Status, evidence.StatusErroredCommitment, evidence.Patch{LastError: strPtr(err.Error())})
			return
		}
		e.recordError(ctx, rec, rec.Status, err)
		return
	}

	now := time.Now()
	e.transitionOrLog(ctx, rec.ID, rec.Status, evidence.StatusSubmitted, evidence.Patch{
		FingerprintHash:   &fingerprintHash,
		LedgerTxID:        &ack.TxID,
		LastStatusCheckAt: &now,
	})
}

func (e *Engine) poll(ctx context.Context, rec *evidence.Record) {
	if time.Since(rec.CreatedAt) > e.totalDead {
		e.transitionOrLog(ctx, rec.ID, rec.Status, evidence.StatusErroredCommitment,
			evidence.Patch{LastError: strPtr("confirmation deadline exceeded")})
		return
	}
	if !rec.LedgerTxID.Valid {
		e.recordError(ctx, rec, rec.Status, errNoTxID)
		return
	}

	result, err := e.ledger.GetStatus(ctx, rec.LedgerTxID.String)
	now := time.Now()
	if err != nil {
		if _, ok := err.(*ledger.ErrCircuitOpen); ok && time.Since(rec.CreatedAt) > e.totalDead {
			e.transitionOrLog(ctx, rec.ID, rec.Status, evidence.StatusErroredCommitment,
				evidence.Patch{LastError: strPtr(err.Error()), LastStatusCheckAt: &now})
			return
		}
		e.bumpSchedule(rec.ID)
		_ = e.repo.Transition(ctx, rec.ID, rec.Status, rec.Status, evidence.Patch{LastError: strPtr(err.Error()), LastStatusCheckAt: &now})
		return
	}

	switch result.Status {
	case ledger.StatusFinalizedCommitment:
		e.transitionOrLog(ctx, rec.ID, rec.Status, evidence.StatusFinalizedCommitment, evidence.Patch{LastStatusCheckAt: &now})
		e.clearSchedule(rec.ID)
	case ledger.StatusErroredCommitment:
		e.transitionOrLog(ctx, rec.ID, rec.Status, evidence.StatusErroredCommitment, evidence.Patch{LastStatusCheckAt: &now})
		e.clearSchedule(rec.ID)
	case ledger.StatusPendingCommitment:
		if rec.Status == evidence.StatusSubmitted {
			e.transitionOrLog(ctx, rec.ID, rec.Status, evidence.StatusPendingCommitment, evidence.Patch{LastStatusCheckAt: &now})
		} else {
			_ = e.repo.Transition(ctx, rec.ID, rec.Status, rec.Status, evidence.Patch{LastStatusCheckAt: &now})
		}
		e.bumpSchedule(rec.ID)
	case ledger.StatusNotFound:
		_ = e.repo.Transition(ctx, rec.ID, rec.Status, rec.Status, evidence.Patch{LastStatusCheckAt: &now})
		e.bumpSchedule(rec.ID)
	}
}

func (e *Engine) bumpSchedule(id uuid.UUID) {
	e.scheduleMu.Lock()
	defer e.scheduleMu.Unlock()
	state, ok := e.schedule[id]
	if !ok {
		e.schedule[id] = &pollState{delay: e.pollInit}
		return
	}
	next := state.delay * 2
	if next > e.pollCeil {
		next = e.pollCeil
	}
	state.delay = next
}

func (e *Engine) clearSchedule(id uuid.UUID) {
	e.scheduleMu.Lock()
	defer e.scheduleMu.Unlock()
	delete(e.schedule, id)
}

func (e *Engine) recordError(ctx context.Context, rec *evidence.Record, status evidence.Status, err error) {
	e.logger.Printf("record %s: %v", rec.ID, err)
	now := time.Now()
	if transErr := e.repo.Transition(ctx, rec.ID, status, status, evidence.Patch{LastError: strPtr(err.Error()), LastStatusCheckAt: &now}); transErr != nil && transErr != evidence.ErrStaleState {
		e.logger.Printf("failed to record error on %s: %v", rec.ID, transErr)
	}
}

func (e *Engine) transitionOrLog(ctx context.Context, id uuid.UUID, from, to evidence.Status, patch evidence.Patch) {
	if err := e.repo.Transition(ctx, id, from, to, patch); err != nil {
		if err == evidence.ErrStaleState {
			e.logger.Printf("record %s: stale transition %s->%s, assuming another worker advanced it", id, from, to)
			return
		}
		e.logger.Printf("record %s: transition %s->%s failed: %v", id, from, to, err)
	}
}

func strPtr(s string) *string { return &s }

var errNoTxID = errors.New("confirmation: record is SUBMITTED/PENDING_COMMITMENT but has no ledger_tx_id")
