// Copyright 2022 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package cli

import (
	"runtime/debug"
	"strings"
	"sync"

	"github.com/blang/semver/v4"
)

// BuildInfo contains build information
// about a Go binary.
type BuildInfo struct {
	Version  string
	CommitID string
}

// BinaryInfo returns the BuildInfo of the
// binary itself.
//
// It returns some default information
// when no build information has been
// compiled into the binary.
func BinaryInfo() BuildInfo {
	readBinaryOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			binaryInfo = parseBuildInfo(nil)
		} else {
			binaryInfo = parseBuildInfo(info.Settings)
		}
	})
	return binaryInfo
}

var (
	readBinaryOnce sync.Once
	binaryInfo     BuildInfo // protected by the sync.Once above
)

func parseBuildInfo(settings []debug.BuildSetting) BuildInfo {
	const (
		DefaultVersion  = "v0.0.0-dev"
		DefaultCommitID = "<unknown>"

		TagKey         = "-tags"
		GitRevisionKey = "vcs.revision"
		VersionTag     = "version="
	)
	info := BuildInfo{
		Version:  DefaultVersion,
		CommitID: DefaultCommitID,
	}
	for _, setting := range settings {
		if setting.Key == TagKey {
			for _, key := range strings.Split(setting.Value, ",") {
				if strings.HasPrefix(key, VersionTag) {
					v := strings.TrimPrefix(key, VersionTag)
					if _, err := semver.ParseTolerant(v); err == nil {
						info.Version = v
					}
					break
				}
			}
		}
		if setting.Key == GitRevisionKey {
			info.CommitID = setting.Value
		}
	}
	return info
}
