// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package dirconf

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/minio/lwdir/internal/log"
	"gopkg.in/yaml.v3"
)

type ymlFile struct {
	Version string `yaml:"version"`

	Addr env[string] `yaml:"address"`

	Schema struct {
		AttributeTypes []env[string] `yaml:"attributeTypes"`
		ObjectClasses  []env[string] `yaml:"objectClasses"`
	} `yaml:"schema"`

	Cluster struct {
		PingInterval    env[time.Duration] `yaml:"ping"`
		ElectionTimeout env[time.Duration] `yaml:"election_timeout"`
		MaxPingEntries  env[int]           `yaml:"max_ping_entries"`
		MissedPings     env[int]           `yaml:"missed_pings"`
		LogRetention    env[uint64]        `yaml:"log_retention"`
	} `yaml:"cluster"`

	Replication struct {
		Interval env[time.Duration]     `yaml:"interval"`
		PageSize env[int]               `yaml:"page_size"`
		Filter   env[string]            `yaml:"filter"`
		Partners map[string]env[string] `yaml:"partners"`
	} `yaml:"replication"`

	Watch struct {
		SessionTimeout    env[time.Duration] `yaml:"session_timeout"`
		DeletedSessionTTL env[time.Duration] `yaml:"deleted_session_ttl"`
		Retention         env[int]           `yaml:"retention"`
	} `yaml:"watch"`

	Log struct {
		Level  env[string] `yaml:"level"`
		Format env[string] `yaml:"format"`
	} `yaml:"log"`
}

func findVersion(root *yaml.Node) (string, error) {
	if root == nil {
		return "", errors.New("dirconf: invalid config")
	}
	if root.Kind != yaml.DocumentNode {
		return "", errors.New("dirconf: invalid config format")
	}
	if len(root.Content) != 1 {
		return "", errors.New("dirconf: invalid config format")
	}

	doc := root.Content[0]
	for i, n := range doc.Content {
		if n.Value == "version" {
			if n.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("dirconf: invalid config version at line '%d'", n.Line)
			}
			if i == len(doc.Content)-1 {
				return "", fmt.Errorf("dirconf: invalid config version at line '%d'", n.Line)
			}
			v := doc.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("dirconf: invalid config version at line '%d'", v.Line)
			}
			return v.Value, nil
		}
	}
	return "", nil
}

func ymlToServerConfig(y *ymlFile) (*File, error) {
	if y.Version != "" && y.Version != "v1" {
		return nil, fmt.Errorf("dirconf: invalid config version '%s'", y.Version)
	}

	positive := []struct {
		Name  string
		Value time.Duration
	}{
		{"cluster ping interval", y.Cluster.PingInterval.Value},
		{"cluster election timeout", y.Cluster.ElectionTimeout.Value},
		{"replication interval", y.Replication.Interval.Value},
		{"watch session timeout", y.Watch.SessionTimeout.Value},
		{"watch deleted session TTL", y.Watch.DeletedSessionTTL.Value},
	}
	for _, v := range positive {
		if v.Value < 0 {
			return nil, fmt.Errorf("dirconf: invalid %s '%v'", v.Name, v.Value)
		}
	}
	if p, e := y.Cluster.PingInterval.Value, y.Cluster.ElectionTimeout.Value; p > 0 && e > 0 && e <= p {
		return nil, fmt.Errorf("dirconf: invalid cluster election timeout '%v': must be greater than ping interval '%v'", e, p)
	}
	if y.Cluster.MaxPingEntries.Value < 0 {
		return nil, fmt.Errorf("dirconf: invalid max. ping entries '%d'", y.Cluster.MaxPingEntries.Value)
	}
	if y.Cluster.MissedPings.Value < 0 {
		return nil, fmt.Errorf("dirconf: invalid missed pings '%d'", y.Cluster.MissedPings.Value)
	}
	if y.Replication.PageSize.Value < 0 {
		return nil, fmt.Errorf("dirconf: invalid replication page size '%d'", y.Replication.PageSize.Value)
	}
	if y.Watch.Retention.Value < 0 {
		return nil, fmt.Errorf("dirconf: invalid watch event retention '%d'", y.Watch.Retention.Value)
	}

	level, err := log.ParseLevel(y.Log.Level.Value)
	if err != nil {
		return nil, fmt.Errorf("dirconf: %v", err)
	}
	format, err := log.ParseFormat(y.Log.Format.Value)
	if err != nil {
		return nil, fmt.Errorf("dirconf: %v", err)
	}

	file := &File{
		Addr: y.Addr.Value,
		Cluster: &ClusterConfig{
			PingInterval:    y.Cluster.PingInterval.Value,
			ElectionTimeout: y.Cluster.ElectionTimeout.Value,
			MaxPingEntries:  y.Cluster.MaxPingEntries.Value,
			MissedPings:     y.Cluster.MissedPings.Value,
			LogRetention:    y.Cluster.LogRetention.Value,
		},
		Replication: &ReplicationConfig{
			Interval: y.Replication.Interval.Value,
			PageSize: y.Replication.PageSize.Value,
			Filter:   strings.TrimSpace(y.Replication.Filter.Value),
		},
		Watch: &WatchConfig{
			SessionTimeout:    y.Watch.SessionTimeout.Value,
			DeletedSessionTTL: y.Watch.DeletedSessionTTL.Value,
			Retention:         y.Watch.Retention.Value,
		},
		Log: &LogConfig{
			Level:  level,
			Format: format,
		},
	}
	if len(y.Replication.Partners) > 0 {
		file.Replication.Partners = make(map[string]string, len(y.Replication.Partners))
		for id, addr := range y.Replication.Partners {
			if id == "" {
				return nil, errors.New("dirconf: invalid replication partner: empty partner ID")
			}
			if addr.Value == "" {
				return nil, fmt.Errorf("dirconf: invalid replication partner '%s': empty address", id)
			}
			file.Replication.Partners[id] = addr.Value
		}
	}
	if len(y.Schema.AttributeTypes) > 0 || len(y.Schema.ObjectClasses) > 0 {
		file.Schema = &SchemaConfig{}
		for _, s := range y.Schema.AttributeTypes {
			file.Schema.AttributeTypes = append(file.Schema.AttributeTypes, s.Value)
		}
		for _, s := range y.Schema.ObjectClasses {
			file.Schema.ObjectClasses = append(file.Schema.ObjectClasses, s.Value)
		}
	}
	return file, nil
}

type env[T any] struct {
	Var   string
	Value T
}

func (r env[T]) MarshalYAML() (any, error) {
	if env := strings.TrimSpace(r.Var); env != "" {
		switch p, s := strings.HasPrefix(env, "${"), strings.HasSuffix(env, "}"); {
		case p && s:
			return env, nil
		case !p && !s:
			return "${" + env + "}", nil
		default:
			return nil, fmt.Errorf("dirconf: invalid env. variable reference '%s'", r.Var)
		}
	}
	return r.Value, nil
}

func (r *env[T]) UnmarshalYAML(node *yaml.Node) error {
	var env string
	if v := strings.TrimSpace(node.Value); strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		env = strings.TrimSpace(v[2 : len(v)-1])
		v, ok := os.LookupEnv(env)
		if !ok {
			return fmt.Errorf("dirconf: referenced env. variable '%s' in line '%d' not found", env, node.Line)
		}
		node.Value = v
	}

	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	r.Var = env
	r.Value = v
	return nil
}
