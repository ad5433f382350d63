// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package repl implements USN-based multi-master replication
// between directory servers.
//
// A consumer pulls pages of changes from each of its
// replication partners. Every change carries the ID and USN
// of its originating server. Changes already covered by the
// consumer's up-to-date (UTD) vector are never sent. Received
// entries are applied with last-writer-wins semantics.
package repl

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/minio/lwdir/internal/cache"
	"github.com/minio/lwdir/internal/store"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownPartner is returned by Cycle if no partner
// with the given ID exists.
var ErrUnknownPartner = errors.New("repl: unknown replication partner")

// Partner is a replication partner that supplies
// pages of changes.
type Partner interface {
	PullPage(ctx context.Context, req *PageRequest) (*Page, error)
}

// Applier applies a page received from a partner.
type Applier interface {
	ApplyPage(ctx context.Context, partner string, page *Page) (PageResult, error)
}

// LocalApplier applies pages directly to a store.
type LocalApplier struct {
	Store *store.Store
}

// ApplyPage applies the page within one store transaction.
func (a LocalApplier) ApplyPage(_ context.Context, partner string, page *Page) (result PageResult, err error) {
	err = a.Store.Update(func(tx *bolt.Tx) error {
		result, err = ApplyPage(a.Store, tx, partner, page)
		return err
	})
	return result, err
}

// Config is a structure for configuring a replication Engine.
type Config struct {
	// Store is the local entry store.
	Store *store.Store

	// Partners are the replication partners by ID.
	Partners map[string]Partner

	// Applier applies received pages. If nil, pages are
	// applied to Store directly.
	Applier Applier

	// Active reports whether the engine should replicate.
	// Run skips scheduled cycles while Active returns false.
	// If nil, the engine is always active.
	Active func() bool

	// Interval is the time between two scheduled cycles.
	// Defaults to 30s.
	Interval time.Duration

	// PageSize is the max. number of entries per page.
	PageSize int

	// Filter restricts replication to the given subtree.
	Filter string

	// Logger is used to log replication errors.
	Logger *slog.Logger
}

// Status is the runtime status of an agreement.
type Status struct {
	Partner   string
	LastCycle time.Time // Start of the most recent successful cycle
	LastError string    // Error of the most recent cycle, if any
	Pages     uint64    // Pages applied since the engine started
}

// Engine runs replication cycles against a set of partners.
type Engine struct {
	store    *store.Store
	applier  Applier
	active   func() bool
	interval time.Duration
	pageSize int
	filter   string
	log      *slog.Logger

	partners cache.Cow[string, Partner]
	status   cache.Cow[string, Status]
	barrier  cache.Barrier[string]
}

// New returns a new Engine from the given config.
func New(config *Config) (*Engine, error) {
	if config.Store == nil {
		return nil, errors.New("repl: no store specified")
	}

	e := &Engine{
		store:    config.Store,
		applier:  config.Applier,
		active:   config.Active,
		interval: config.Interval,
		pageSize: config.PageSize,
		filter:   config.Filter,
		log:      config.Logger,
	}
	if e.applier == nil {
		e.applier = LocalApplier{Store: config.Store}
	}
	if e.interval <= 0 {
		e.interval = 30 * time.Second
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultPageSize
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	for id, p := range config.Partners {
		e.SetPartner(id, p)
	}
	return e, nil
}

// SetPartner adds or replaces the partner with the given ID.
func (e *Engine) SetPartner(id string, p Partner) {
	e.partners.Set(id, p)
	e.status.Add(id, Status{Partner: id})
}

// RemovePartner removes the partner with the given ID.
// The persisted agreement state is kept.
func (e *Engine) RemovePartner(id string) {
	e.partners.Delete(id)
	e.status.Delete(id)
}

// Partners returns the IDs of all partners, sorted.
func (e *Engine) Partners() []string {
	ids := e.partners.Keys()
	slices.Sort(ids)
	return ids
}

// Status returns the runtime status of all agreements.
func (e *Engine) Status() []Status {
	ids := e.Partners()
	status := make([]Status, 0, len(ids))
	for _, id := range ids {
		if s, ok := e.status.Get(id); ok {
			status = append(status, s)
		}
	}
	return status
}

// Agreements returns the persisted state of all agreements.
func (e *Engine) Agreements() (agreements []Agreement, err error) {
	err = e.store.View(func(tx *bolt.Tx) error {
		agreements, err = LoadAgreements(tx)
		return err
	})
	return agreements, err
}

// PullPage serves a page request of a consumer from the
// local store.
func (e *Engine) PullPage(_ context.Context, req *PageRequest) (page *Page, err error) {
	err = e.store.View(func(tx *bolt.Tx) error {
		page, err = PullPage(e.store, tx, req)
		return err
	})
	return page, err
}

// Cycle runs one replication cycle with the given partner.
//
// It pulls and applies pages until the partner has no more
// changes. Each page is applied atomically. Cycle returns
// the accumulated result of all applied pages. At most one
// cycle per partner runs at the same time.
func (e *Engine) Cycle(ctx context.Context, partner string) (PageResult, error) {
	e.barrier.Lock(partner)
	defer e.barrier.Unlock(partner)

	var total PageResult
	p, ok := e.partners.Get(partner)
	if !ok {
		return total, ErrUnknownPartner
	}

	start := time.Now()
	pages, err := e.cycle(ctx, partner, p, &total)

	if s, ok := e.status.Get(partner); ok {
		s.Pages += pages
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastError = ""
			s.LastCycle = start
		}
		e.status.Set(partner, s)
	}
	return total, err
}

func (e *Engine) cycle(ctx context.Context, partner string, p Partner, total *PageResult) (uint64, error) {
	var pages uint64
	for {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		var (
			agreement Agreement
			utd       UTDVector
			requester string
		)
		err := e.store.View(func(tx *bolt.Tx) (err error) {
			if agreement, err = readAgreement(tx, partner); err != nil {
				return err
			}
			requester = e.store.Origin(tx)
			utd, err = loadUTD(e.store, tx)
			return err
		})
		if err != nil {
			return pages, err
		}

		page, err := p.PullPage(ctx, &PageRequest{
			Requester: requester,
			StartUSN:  agreement.LastUSN,
			Filter:    e.filter,
			UTD:       utd,
			Size:      e.pageSize,
		})
		if err != nil {
			return pages, err
		}

		result, err := e.applier.ApplyPage(ctx, partner, page)
		if err != nil {
			return pages, err
		}
		pages++
		total.Applied += result.Applied
		total.Skipped += result.Skipped
		total.OutOfSequence += result.OutOfSequence
		if result.OutOfSequence > 0 {
			e.log.WarnContext(ctx, "repl: received out-of-sequence changes", "partner", partner, "count", result.OutOfSequence)
		}
		if !page.More {
			return pages, nil
		}
	}
}

// Run runs replication cycles for all partners every
// configured interval until ctx is canceled. Partners
// are replicated concurrently.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if e.active != nil && !e.active() {
			continue
		}
		e.CycleAll(ctx)
	}
}

// CycleAll runs one replication cycle for every partner
// concurrently and waits until all cycles have finished.
func (e *Engine) CycleAll(ctx context.Context) {
	var group errgroup.Group
	for _, id := range e.Partners() {
		id := id
		group.Go(func() error {
			result, err := e.Cycle(ctx, id)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.log.ErrorContext(ctx, "repl: replication cycle failed", "partner", id, "err", err)
				}
				return nil
			}
			if result.Applied > 0 {
				e.log.DebugContext(ctx, "repl: replication cycle completed", "partner", id, "applied", result.Applied, "skipped", result.Skipped)
			}
			return nil
		})
	}
	group.Wait()
}
