// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package dirconf reads directory server configuration
// files.
package dirconf

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/log"
	"github.com/minio/lwdir/internal/schema"
	yaml "gopkg.in/yaml.v3"
)

// ReadServerConfigYAML opens the given file and reads the
// server configuration from it by calling ReadFrom.
func ReadServerConfigYAML(filename string) (*File, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close() // make sure to close file in case of panic

	file, err := ReadFrom(f)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	return file, err
}

// ReadFrom parses and returns a new server configuration
// file from r.
func ReadFrom(r io.Reader) (*File, error) {
	var node yaml.Node
	if err := yaml.NewDecoder(r).Decode(&node); err != nil {
		return nil, err
	}

	version, err := findVersion(&node)
	if err != nil {
		return nil, err
	}
	const Version = "v1"
	if version != "" && version != Version {
		return nil, fmt.Errorf("dirconf: invalid server config version '%s'", version)
	}

	var y ymlFile
	if err := node.Decode(&y); err != nil {
		return nil, err
	}
	return ymlToServerConfig(&y)
}

// File is a structure that holds the content of a directory
// server configuration file.
type File struct {
	// Addr is the network interface address and optional
	// port the server will listen on and accept HTTP
	// requests.
	//
	// If empty, the server listens on all network interfaces
	// using the port it has been initialized with.
	Addr string

	// Schema contains additional schema definitions.
	Schema *SchemaConfig

	// Cluster contains the consensus configuration.
	Cluster *ClusterConfig

	// Replication contains the legacy replication
	// configuration.
	Replication *ReplicationConfig

	// Watch contains the watch session configuration.
	Watch *WatchConfig

	// Log contains the server logging configuration.
	Log *LogConfig
}

// Config returns a new server configuration as specified
// by the File.
func (f *File) Config() (*lwdir.Config, error) {
	config := &lwdir.Config{
		Addr: f.Addr,
	}

	if f.Schema != nil {
		for _, s := range f.Schema.AttributeTypes {
			def, err := schema.Parse(schema.AttributeType, s)
			if err != nil {
				return nil, fmt.Errorf("dirconf: invalid attribute type '%s': %v", s, err)
			}
			config.Schema = append(config.Schema, def)
		}
		for _, s := range f.Schema.ObjectClasses {
			def, err := schema.Parse(schema.ObjectClass, s)
			if err != nil {
				return nil, fmt.Errorf("dirconf: invalid object class '%s': %v", s, err)
			}
			config.Schema = append(config.Schema, def)
		}
	}

	if f.Cluster != nil {
		config.PingInterval = f.Cluster.PingInterval
		config.ElectionTimeout = f.Cluster.ElectionTimeout
		config.MaxPingEntries = f.Cluster.MaxPingEntries
		config.MissedPings = f.Cluster.MissedPings
		config.LogRetention = f.Cluster.LogRetention
	}

	if f.Replication != nil {
		config.ReplicationInterval = f.Replication.Interval
		config.PageSize = f.Replication.PageSize
		config.ReplicationFilter = f.Replication.Filter
		if len(f.Replication.Partners) > 0 {
			config.Partners = make(map[string]lwdir.Addr, len(f.Replication.Partners))
			for id, s := range f.Replication.Partners {
				addr, err := lwdir.ParseAddr(s)
				if err != nil {
					return nil, fmt.Errorf("dirconf: invalid replication partner '%s': %v", id, err)
				}
				config.Partners[id] = addr
			}
		}
	}

	if f.Watch != nil {
		config.SessionTimeout = f.Watch.SessionTimeout
		config.DeletedSessionTTL = f.Watch.DeletedSessionTTL
		config.EventRetention = f.Watch.Retention
	}

	if f.Log != nil {
		config.ErrorLogLevel = f.Log.Level
		config.LogFormat = f.Log.Format
	}
	return config, nil
}

// SchemaConfig is a structure that holds schema definitions,
// in RFC 4512 syntax, loaded on top of the built-in schema.
type SchemaConfig struct {
	AttributeTypes []string
	ObjectClasses  []string
}

// ClusterConfig is a structure that holds the consensus
// configuration of a server.
type ClusterConfig struct {
	// PingInterval is the interval at which the leader
	// sends pings to its followers.
	PingInterval time.Duration

	// ElectionTimeout is the period after which a follower
	// without a leader starts an election.
	ElectionTimeout time.Duration

	// MaxPingEntries is the max. number of log entries
	// sent with one ping.
	MaxPingEntries int

	// MissedPings is the number of pings a follower must
	// miss before it is reported as partitioned.
	MissedPings int

	// LogRetention is the number of applied log entries
	// kept when compacting the log.
	LogRetention uint64
}

// ReplicationConfig is a structure that holds the legacy
// replication agreements of a server.
type ReplicationConfig struct {
	// Interval is the interval at which changes are
	// pulled from partners.
	Interval time.Duration

	// PageSize is the max. number of changes pulled
	// with one request.
	PageSize int

	// Filter, if not empty, is the base DN of the
	// replicated subtree.
	Filter string

	// Partners maps partner IDs to their addresses.
	Partners map[string]string
}

// WatchConfig is a structure that holds the watch
// session configuration.
type WatchConfig struct {
	SessionTimeout    time.Duration
	DeletedSessionTTL time.Duration
	Retention         int
}

// LogConfig is a structure that holds the logging
// configuration of a server.
type LogConfig struct {
	// Level is the minimum log level of error log
	// records.
	Level slog.Level

	// Format is the format of log records written
	// to stderr.
	Format log.Format
}
