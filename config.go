// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"log/slog"
	"time"

	"github.com/minio/lwdir/internal/log"
	"github.com/minio/lwdir/internal/schema"
)

// Default values of a server Config.
const (
	DefaultPingInterval        = 500 * time.Millisecond
	DefaultElectionTimeout     = 1500 * time.Millisecond
	DefaultReplicationInterval = 30 * time.Second
	DefaultPageSize            = 100
	DefaultSessionTimeout      = 5 * time.Minute
	DefaultDeletedSessionTTL   = 10 * time.Minute
	DefaultEventRetention      = 1024
	DefaultMaxPingEntries      = 64
	DefaultLogRetention        = 1024
	DefaultMissedPings         = 3
)

// Config is a structure containing the configuration
// of a directory server.
type Config struct {
	// Addr optionally specifies the TCP address for the server's
	// HTTP server to listen on, in the form "host:port". If empty,
	// the address the server has been initialized with is used.
	Addr string

	// Schema contains additional schema definitions, in
	// RFC 4512 syntax, that are loaded on top of the built-in
	// schema. Definitions stored in the directory's schema
	// subtree are loaded as well.
	Schema []*schema.Definition

	// PingInterval specifies how often the cluster leader
	// sends pings to its followers. If 0, defaults to
	// DefaultPingInterval.
	//
	// The PingInterval should be significantly smaller than
	// the ElectionTimeout. Otherwise, follower nodes may start
	// unnecessary leader elections.
	PingInterval time.Duration

	// ElectionTimeout is the time period after which follower
	// nodes start a leader election unless they have received
	// a ping from a leader. It must be greater than the ping
	// interval. If 0, defaults to DefaultElectionTimeout.
	//
	// Smaller values reduce the time window in which the cluster
	// operates without a leader, unable to process write requests,
	// in case of a leader crash. When choosing a custom value,
	// a reasonable estimate is at least twice the ping interval.
	ElectionTimeout time.Duration

	// MaxPingEntries is the max. number of log entries the
	// leader sends with one ping. If 0, defaults to
	// DefaultMaxPingEntries.
	MaxPingEntries int

	// MissedPings is the number of consecutive pings a
	// follower must miss before the leader reports it as
	// partitioned. If 0, defaults to DefaultMissedPings.
	MissedPings int

	// LogRetention is the number of applied log entries
	// kept when compacting the log. If 0, defaults to
	// DefaultLogRetention.
	LogRetention uint64

	// Partners are the legacy replication partners of the
	// server, mapping partner IDs to addresses. Partners
	// are pulled from by the cluster leader.
	Partners map[string]Addr

	// ReplicationInterval is the interval at which changes
	// are pulled from replication partners. If 0, defaults
	// to DefaultReplicationInterval.
	ReplicationInterval time.Duration

	// PageSize is the max. number of changes pulled from
	// a replication partner with one request. If 0,
	// defaults to DefaultPageSize.
	PageSize int

	// ReplicationFilter, if not empty, is the base DN of
	// the subtree that is replicated from partners.
	ReplicationFilter string

	// SessionTimeout is the time after which an idle watch
	// session expires. If 0, defaults to DefaultSessionTimeout.
	SessionTimeout time.Duration

	// DeletedSessionTTL is the time a removed watch session
	// is remembered, such that clients polling it receive
	// a "session closed" error. If 0, defaults to
	// DefaultDeletedSessionTTL.
	DeletedSessionTTL time.Duration

	// EventRetention is the number of watch events kept for
	// sessions that fall behind. If 0, defaults to
	// DefaultEventRetention.
	EventRetention int

	// ErrorLog is an optional handler for handling the server's
	// error log events. If nil, defaults to a slog.TextHandler
	// writing to os.Stderr. The server's error log level is
	// controlled by ErrorLogLevel.
	ErrorLog slog.Handler

	// ErrorLogLevel controls which log records are logged
	// by the server. If nil, defaults to slog.LevelInfo.
	ErrorLogLevel slog.Leveler

	// LogFormat is the format of the default error log
	// handler. It is ignored if ErrorLog is not nil.
	LogFormat log.Format
}

// withDefaults returns a copy of c with all zero
// values replaced by their defaults.
func (c *Config) withDefaults() *Config {
	config := *c
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.ElectionTimeout <= 0 {
		config.ElectionTimeout = DefaultElectionTimeout
	}
	if config.MaxPingEntries <= 0 {
		config.MaxPingEntries = DefaultMaxPingEntries
	}
	if config.MissedPings <= 0 {
		config.MissedPings = DefaultMissedPings
	}
	if config.LogRetention == 0 {
		config.LogRetention = DefaultLogRetention
	}
	if config.ReplicationInterval <= 0 {
		config.ReplicationInterval = DefaultReplicationInterval
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	if config.DeletedSessionTTL <= 0 {
		config.DeletedSessionTTL = DefaultDeletedSessionTTL
	}
	if config.EventRetention <= 0 {
		config.EventRetention = DefaultEventRetention
	}
	if config.ErrorLogLevel == nil {
		config.ErrorLogLevel = slog.LevelInfo
	}
	return &config
}
