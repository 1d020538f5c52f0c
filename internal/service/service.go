package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hewjoe/ebay-catalog/internal/auction"
	"github.com/hewjoe/ebay-catalog/internal/ebay"
	"github.com/hewjoe/ebay-catalog/internal/lifecycle"
	"github.com/hewjoe/ebay-catalog/internal/reconcile"
	"github.com/hewjoe/ebay-catalog/internal/scheduler"
	"github.com/hewjoe/ebay-catalog/internal/storage"
)

// Options configure the polling driver.
type Options struct {
	Search          lifecycle.SearchSpec
	AuctionWindow   time.Duration
	CompletedWindow time.Duration
	// Concurrent runs discovery and recheck side by side.
	Concurrent   bool
	StartupDelay time.Duration
	// LockKey, when non-zero, is a postgres advisory lock taken per pass.
	LockKey int64
}

// Driver runs discovery and recheck passes.
type Driver struct {
	opts       Options
	source     ebay.Source
	store      storage.Gateway
	reconciler *reconcile.Reconciler
	lifecycle  *lifecycle.Scheduler
	locker     storage.AdvisoryLocker
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	state State
}

// New constructs the polling driver.
func New(opts Options, source ebay.Source, store storage.Gateway, rec *reconcile.Reconciler, lc *lifecycle.Scheduler, logger zerolog.Logger) *Driver {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return &Driver{
		opts:       opts,
		source:     source,
		store:      store,
		reconciler: rec,
		lifecycle:  lc,
		locker:     locker,
		logger:     logger.With().Str("component", "driver").Logger(),
		now:        time.Now,
		state:      StateIdle,
	}
}

// State returns where the driver currently is within a pass.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(p *pass, s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		p.logger.Trace().Str("from", string(prev)).Str("to", string(s)).Msg("state change")
	}
}

// RunDaemon runs a pass immediately and then every interval, sleeping the
// interval minus the pass duration. Pass failures are logged and retried on
// the next interval; only cancellation ends the loop.
func (d *Driver) RunDaemon(ctx context.Context, interval time.Duration) error {
	sched := scheduler.New(scheduler.Options{
		Interval:     interval,
		StartupDelay: d.opts.StartupDelay,
	}, d.logger)

	err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := d.RunOnce(ctx)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce executes one discovery pass followed by one recheck pass. The
// returned error is non-nil only when the pass was aborted.
func (d *Driver) RunOnce(ctx context.Context) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	p := d.newPass()
	unlock, proceed, err := d.acquireLock(ctx)
	if err != nil {
		return p.summary, fmt.Errorf("acquire pass lock: %w", err)
	}
	if !proceed {
		p.logger.Info().Msg("skip pass because advisory lock held elsewhere")
		p.summary.LockHeld = true
		return p.summary, nil
	}
	if unlock != nil {
		defer unlock()
	}

	now := d.now().UTC()
	p.horizon = now
	p.logger.Info().
		Str("pattern", d.opts.Search.Pattern).
		Bool("concurrent", d.opts.Concurrent).
		Msg("pass started")

	if d.opts.Concurrent {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.discover(gctx, p, now) })
		g.Go(func() error { return d.recheck(gctx, p, now) })
		err = g.Wait()
	} else {
		err = d.discover(ctx, p, now)
		if err == nil {
			err = d.recheck(ctx, p, now)
		}
	}
	if err == nil {
		err = d.retireAbsent(ctx, p, now)
	}
	d.setState(p, StateIdle)

	p.summary.Finished = d.now().UTC()
	if err != nil {
		p.summary.Aborted = true
		p.logger.Error().Err(err).EmbedObject(p.summary).Msg("pass aborted")
		return p.summary, err
	}
	p.logger.Info().EmbedObject(p.summary).Msg("pass finished")
	return p.summary, nil
}

func (d *Driver) discover(ctx context.Context, p *pass, now time.Time) error {
	d.setState(p, StateDiscovering)
	q := d.lifecycle.DiscoveryQuery(d.opts.Search, d.opts.AuctionWindow, now)
	log := p.logger.With().Str("phase", "discovery").Logger()

	for snap, err := range d.source.Fetch(ctx, q) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			var pe *auction.ParseError
			if errors.As(err, &pe) {
				p.count(&p.summary.ReconcileErrors)
				log.Warn().Err(err).Msg("malformed listing skipped")
				continue
			}
			p.count(&p.summary.FetchErrors)
			p.markIncomplete()
			log.Error().Err(err).Msg("discovery fetch failed; retrying next pass")
			return nil
		}

		if ok, reason := d.lifecycle.Admit(q, snap); !ok {
			p.count(&p.summary.Filtered)
			log.Debug().Str("auction_id", snap.ID).Str("reason", reason).Msg("listing filtered")
			continue
		}

		p.observe(snap.ID, snap.EndTime)
		d.setState(p, StateReconciling)
		if err := d.reconcileOne(ctx, p, snap); err != nil {
			return err
		}
		d.setState(p, StateDiscovering)
	}
	return nil
}

func (d *Driver) recheck(ctx context.Context, p *pass, now time.Time) error {
	d.setState(p, StateRecheckFetching)
	log := p.logger.With().Str("phase", "recheck").Logger()

	targets, err := d.lifecycle.RecheckSet(ctx, d.opts.CompletedWindow, now)
	if err != nil {
		p.markIncomplete()
		return d.persistFailure(p, "", err)
	}
	log.Debug().Int("auctions", len(targets)).Msg("recheck set loaded")

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		snap, err := d.source.FetchOne(ctx, target.ID)
		if err != nil {
			var pe *auction.ParseError
			switch {
			case errors.Is(err, ebay.ErrNotFound):
				log.Debug().Str("auction_id", target.ID).Msg("listing no longer reachable")
				continue
			case errors.As(err, &pe):
				p.count(&p.summary.ReconcileErrors)
				p.observe(target.ID, target.EndTime)
				log.Warn().Err(err).Str("auction_id", target.ID).Msg("malformed listing skipped")
				continue
			default:
				p.count(&p.summary.FetchErrors)
				p.markIncomplete()
				log.Error().Err(err).Str("auction_id", target.ID).Msg("recheck fetch failed; retrying next pass")
				return nil
			}
		}
		if snap.ID == "" {
			snap.ID = target.ID
		}
		if snap.ID != target.ID {
			p.count(&p.summary.ReconcileErrors)
			p.observe(target.ID, target.EndTime)
			log.Warn().
				Str("auction_id", target.ID).
				Str("returned_id", snap.ID).
				Msg("recheck returned a different listing; skipped")
			continue
		}

		p.observe(target.ID, target.EndTime)
		d.setState(p, StateRecheckReconciling)
		if err := d.reconcileOne(ctx, p, snap); err != nil {
			return err
		}
		d.setState(p, StateRecheckFetching)
	}
	return nil
}

// reconcileOne loads prior state, reconciles and applies. Only errors that
// must abort the pass are returned.
func (d *Driver) reconcileOne(ctx context.Context, p *pass, snap auction.Snapshot) error {
	prior, err := d.store.LoadPrior(ctx, snap.ID)
	if err != nil {
		return d.persistFailure(p, snap.ID, err)
	}
	if prior != nil && prior.Auction.Status.Terminal() {
		p.count(&p.summary.Skipped)
		p.logger.Debug().
			Str("auction_id", snap.ID).
			Str("status", string(prior.Auction.Status)).
			Msg("snapshot for terminal auction ignored")
		return nil
	}

	ms, err := d.reconciler.Reconcile(snap, prior, d.now())
	if err != nil {
		p.count(&p.summary.ReconcileErrors)
		p.logger.Warn().Err(err).Str("auction_id", snap.ID).Msg("snapshot rejected")
		return nil
	}
	if ms.Empty() {
		p.count(&p.summary.Unchanged)
		return nil
	}

	// The transaction is never cancelled part way; cancellation is checked
	// between snapshots instead.
	if err := d.store.Apply(context.WithoutCancel(ctx), ms); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			p.count(&p.summary.Skipped)
			p.logger.Debug().Str("auction_id", snap.ID).Msg("auction reached a terminal status concurrently")
			return nil
		}
		return d.persistFailure(p, snap.ID, err)
	}

	switch {
	case ms.Insert != nil:
		p.count(&p.summary.Discovered)
		if ms.Completes() {
			p.count(&p.summary.Completed)
		}
	case ms.Completes():
		p.count(&p.summary.Completed)
	default:
		p.count(&p.summary.Updated)
	}
	p.logger.Debug().
		Str("auction_id", snap.ID).
		Bool("insert", ms.Insert != nil).
		Int("new_bids", len(ms.Bids)).
		Msg("auction reconciled")
	return nil
}

// retireAbsent refreshes last_seen for everything observed and counts a
// missed cycle for covered open auctions that were not.
func (d *Driver) retireAbsent(ctx context.Context, p *pass, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.store.Touch(context.WithoutCancel(ctx), p.seenIDs(), now); err != nil {
		if perr := d.persistFailure(p, "", err); perr != nil {
			return perr
		}
	}
	if p.incomplete {
		p.logger.Debug().Msg("pass incomplete; absence bookkeeping skipped")
		return nil
	}

	open, err := d.store.ListOpen(ctx)
	if err != nil {
		return d.persistFailure(p, "", err)
	}

	for _, a := range d.lifecycle.Absent(open, p.seen, p.horizon) {
		if err := ctx.Err(); err != nil {
			return err
		}
		ms := d.reconciler.Absent(a)
		if err := d.store.Apply(context.WithoutCancel(ctx), ms); err != nil {
			if errors.Is(err, storage.ErrTerminal) {
				continue
			}
			if perr := d.persistFailure(p, a.ID, err); perr != nil {
				return perr
			}
			continue
		}
		if status, ok := ms.StatusChange(); ok && status == auction.StatusUnknown {
			p.count(&p.summary.Expired)
			p.logger.Info().Str("auction_id", a.ID).Int("missed_cycles", a.MissedCycles+1).Msg("auction retired as unknown")
		}
	}
	return nil
}

// persistFailure counts and logs err, returning it when it should abort the
// pass.
func (d *Driver) persistFailure(p *pass, auctionID string, err error) error {
	p.count(&p.summary.PersistErrors)
	transient := auction.IsTransient(err)
	p.logger.Error().
		Err(err).
		Str("auction_id", auctionID).
		Bool("transient", transient).
		Msg("persistence failed")
	if transient {
		return err
	}
	return nil
}

func (d *Driver) acquireLock(ctx context.Context) (func(), bool, error) {
	if d.opts.LockKey == 0 || d.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := d.locker.TryAdvisoryLock(ctx, d.opts.LockKey)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// pass is the mutable state of one RunOnce. It is shared by both phases in
// concurrent mode.
type pass struct {
	mu         sync.Mutex
	summary    Summary
	seen       map[string]struct{}
	horizon    time.Time
	incomplete bool
	logger     zerolog.Logger
}

func (d *Driver) newPass() *pass {
	id := uuid.NewString()
	return &pass{
		summary: Summary{PassID: id, Started: d.now().UTC()},
		seen:    make(map[string]struct{}),
		logger:  d.logger.With().Str("pass_id", id).Logger(),
	}
}

func (p *pass) count(field *int) {
	p.mu.Lock()
	*field++
	p.mu.Unlock()
}

func (p *pass) observe(id string, endTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[id] = struct{}{}
	if endTime.After(p.horizon) {
		p.horizon = endTime
	}
}

func (p *pass) markIncomplete() {
	p.mu.Lock()
	p.incomplete = true
	p.mu.Unlock()
}

func (p *pass) seenIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.seen))
	for id := range p.seen {
		ids = append(ids, id)
	}
	return ids
}
