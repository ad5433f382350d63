// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/minio/lwdir/internal/api"
	"github.com/minio/lwdir/internal/metric"
	"github.com/minio/lwdir/internal/raft"
	"github.com/minio/lwdir/internal/repl"
	"github.com/minio/lwdir/internal/schema"
	"github.com/minio/lwdir/internal/store"
	"github.com/minio/lwdir/internal/watch"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/maps"
)

// ErrStopped is returned by a Server that has been stopped.
var ErrStopped = errors.New("lwdir: server stopped")

// Server is a directory server node.
//
// A Server stores directory entries in a local database.
// All changes are proposed to the cluster leader and
// applied by all cluster members once committed. Entry
// changes are published to watch sessions and changes
// of legacy replication partners are pulled and applied
// by the leader.
type Server struct {
	id        string
	addr      Addr
	startTime time.Time

	db      *bolt.DB
	store   *store.Store
	node    *raft.Node
	watch   *watch.Repository
	repl    *repl.Engine
	metrics *metric.Metrics
	client  *http.Client
	router  *api.Router

	handler *logHandler
	log     *slog.Logger

	members   atomic.Pointer[cluster]
	proposals sync.Map // proposal ID -> chan repl.PageResult

	ctx               context.Context
	stop              context.CancelCauseFunc
	wg                sync.WaitGroup
	starting, started atomic.Bool
	shutdown          atomic.Bool
}

// Addr returns the address the Server has been
// initialized with.
func (s *Server) Addr() Addr { return s.addr }

// ID returns the ID of the Server within its cluster.
func (s *Server) ID() string { return s.id }

// Start opens the database within dir, which must have
// been initialized with Init, and starts the Server.
// It blocks until ctx is canceled or the Server is
// stopped.
//
// Once started, a Server cannot be started again.
func (s *Server) Start(ctx context.Context, dir string, config *Config) error {
	if s.shutdown.Load() {
		return ErrStopped
	}
	if !s.starting.CompareAndSwap(false, true) {
		return errors.New("lwdir: server already started")
	}

	db, err := openDB(filepath.Join(dir, fsDBFile))
	if err != nil {
		return err
	}
	defer db.Close()

	s.ctx, s.stop = context.WithCancelCause(ctx)
	if err = s.open(db, config); err != nil {
		s.stop(err)
		return err
	}
	defer s.close()

	addr := config.Addr
	if addr == "" {
		addr = net.JoinHostPort("", s.addr.port)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0 * time.Second, // explicitly set no write timeout - APIs set their own deadlines
		IdleTimeout:       90 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
		ErrorLog:          slog.NewLogLogger(s.handler, slog.LevelError),
	}
	srvCh := make(chan error, 1)
	go func() { srvCh <- srv.Serve(listener) }()

	s.run()
	s.log.Info("lwdir: server started", "id", s.id, "addr", listener.Addr().String())

	select {
	case err := <-srvCh:
		s.shutdown.Store(true)
		s.stop(err)
		return err
	case <-s.ctx.Done():
		s.shutdown.Store(true)

		graceCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		err := srv.Shutdown(graceCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = srv.Close()
		}
		if err == nil {
			err = http.ErrServerClosed
		}
		return err
	}
}

// Stop stops a started Server. Once stopped, a Server
// cannot be started again and Start returns ErrStopped.
//
// If the Server is already stopped or has been shutdown
// in any other way, Stop does nothing.
func (s *Server) Stop() {
	if s.shutdown.CompareAndSwap(false, true) && s.stop != nil {
		s.stop(ErrStopped)
	}
}

// Handler returns the HTTP handler serving the Server
// API. Every request is counted and its latency is
// measured.
func (s *Server) Handler() http.Handler {
	return s.metrics.Count(s.metrics.Latency(s.router))
}

// open creates all components of the Server using the
// given database. The components are started by run
// and stopped by close.
func (s *Server) open(db *bolt.DB, config *Config) error {
	config = config.withDefaults()

	var (
		members cluster
		applied uint64
	)
	err := db.View(func(tx *bolt.Tx) error {
		var err error
		if s.id, s.addr, err = readIdentity(tx); err != nil {
			return err
		}
		if members, err = readCluster(tx); err != nil {
			return err
		}
		applied = readApplied(tx)
		return nil
	})
	if err != nil {
		return err
	}

	errorLog := config.ErrorLog
	if errorLog == nil {
		errorLog = newFormattedLogHandler(os.Stderr, config.LogFormat, &slog.HandlerOptions{
			Level: config.ErrorLogLevel,
		})
	}
	s.metrics = metric.New(&metric.Config{
		RaftState:  s.raftState,
		WatchState: s.watchState,
	})
	s.handler = newLogHandler(errorLog, config.ErrorLogLevel, s.metrics.ErrorEventCounter())
	s.log = slog.New(s.handler)

	s.db = db
	s.startTime = time.Now()
	s.members.Store(&members)
	s.client = &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		Timeout:   time.Minute,
	}

	cache, err := schema.New(append(schema.Default(), config.Schema...), new(sync.Mutex))
	if err != nil {
		return err
	}
	s.watch = watch.New(&watch.Config{
		SessionTimeout:    config.SessionTimeout,
		DeletedSessionTTL: config.DeletedSessionTTL,
		Retention:         config.EventRetention,
		Logger:            s.log,
	})
	s.store, err = store.Open(db, &store.Config{
		ServerID: s.id,
		Schema:   cache,
		Notify:   s.notify,
		Logger:   s.log,
	})
	if err != nil {
		s.watch.Close()
		return err
	}

	noop, err := encodeCommand(&noopCmd{})
	if err != nil {
		s.watch.Close()
		return err
	}
	s.node, err = raft.New(&raft.Config{
		ID:              s.id,
		Members:         members.IDs(),
		Applied:         applied,
		PingInterval:    config.PingInterval,
		ElectionTimeout: config.ElectionTimeout,
		MaxPingEntries:  config.MaxPingEntries,
		MissedPings:     config.MissedPings,
		LogRetention:    config.LogRetention,
		Noop:            noop,
		Storage:         logStorage{db: db},
		Transport:       &rpcTransport{client: s.client, members: &s.members},
		Applier:         logApplier{s},
		Logger:          s.log,
	})
	if err != nil {
		s.watch.Close()
		return err
	}

	partners := make(map[string]repl.Partner, len(config.Partners))
	for id, addr := range config.Partners {
		partners[id] = &replPartner{client: s.client, addr: addr}
	}
	s.repl, err = repl.New(&repl.Config{
		Store:    s.store,
		Partners: partners,
		Applier:  pageApplier{s},
		Active:   s.isLeader,
		Interval: config.ReplicationInterval,
		PageSize: config.PageSize,
		Filter:   config.ReplicationFilter,
		Logger:   s.log,
	})
	if err != nil {
		s.watch.Close()
		return err
	}

	s.router = api.NewRouter(s.routes()...)
	return nil
}

// run starts the consensus node and the replication
// engine.
func (s *Server) run() {
	s.node.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.repl.Run(s.ctx)
	}()
	s.started.Store(true)
}

// close stops all components in reverse order.
func (s *Server) close() {
	s.stop(ErrStopped)
	s.wg.Wait()

	if err := s.node.Close(); err != nil {
		s.log.Error("lwdir: failed to stop consensus node", "err", err)
	}
	if err := s.watch.Close(); err != nil {
		s.log.Error("lwdir: failed to stop watch repository", "err", err)
	}
}

// propose proposes the command to the cluster and
// waits until it has been applied locally.
func (s *Server) propose(ctx context.Context, cmd command) error {
	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = s.node.Propose(ctx, data)
	return err
}

// origin returns the origin of entry changes proposed
// by the Server. Once the first entry command has been
// applied, all members share the same origin.
func (s *Server) origin() (string, error) {
	var origin string
	err := s.store.View(func(tx *bolt.Tx) error {
		origin = s.store.Origin(tx)
		return nil
	})
	if err != nil {
		return "", apiError(err)
	}
	return origin, nil
}

// setCluster replaces the cluster membership once a
// membership change has been committed.
func (s *Server) setCluster(members cluster) {
	members = maps.Clone(members)
	s.members.Store(&members)
	s.node.SetMembers(members.IDs())
	s.log.Info("lwdir: cluster membership changed", "members", members.IDs())
}

// notify publishes a committed entry change.
func (s *Server) notify(c store.Change) {
	s.watch.AddPending(c)
	s.metrics.Commit(c.Op.String())
}

func (s *Server) isLeader() bool { return s.node.Role() == raft.Leader }

func (s *Server) raftState() (role, term, elections uint64) {
	state := s.node.State()
	return uint64(state.Role), state.Term, state.Elections
}

func (s *Server) watchState() (revision uint64, sessions int) {
	stats := s.watch.Stats()
	return stats.Revision, stats.Sessions
}

// logApplier applies committed log entries to the
// Server's database.
type logApplier struct {
	*Server
}

// Apply decodes and applies the command of the log entry
// within one transaction that also records the entry's
// index as applied. If the command fails, only the index
// is recorded and the command's error is returned to the
// proposer.
func (a logApplier) Apply(e raft.LogEntry) error {
	s := a.Server

	cmd, err := decodeCommand(e.Data)
	if err == nil {
		err = s.store.Update(func(tx *bolt.Tx) error {
			if err := cmd.Apply(s, tx); err != nil {
				return err
			}
			return writeApplied(tx, e.Index)
		})
		if err == nil {
			return nil
		}
	} else {
		s.log.Error("lwdir: failed to decode log entry", "index", e.Index, "err", err)
	}

	if aErr := s.store.Update(func(tx *bolt.Tx) error { return writeApplied(tx, e.Index) }); aErr != nil {
		s.log.Error("lwdir: failed to record applied log entry", "index", e.Index, "err", aErr)
	}
	return err
}

// pageApplier applies pages pulled from legacy
// replication partners through the consensus log.
type pageApplier struct {
	*Server
}

func (a pageApplier) ApplyPage(ctx context.Context, partner string, page *repl.Page) (repl.PageResult, error) {
	s := a.Server

	id := uuid.NewString()
	ch := make(chan repl.PageResult, 1)
	s.proposals.Store(id, ch)
	defer s.proposals.Delete(id)

	origin, err := s.origin()
	if err != nil {
		return repl.PageResult{}, err
	}
	err = s.propose(ctx, &replicatePageCmd{
		Proposal: id,
		Partner:  partner,
		Origin:   origin,
		Page:     page,
	})
	if err != nil {
		return repl.PageResult{}, err
	}

	var result repl.PageResult
	select {
	case result = <-ch:
	default:
	}
	s.metrics.ReplicationPage(result.Applied, result.OutOfSequence)
	return result, nil
}
