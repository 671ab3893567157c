// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package version holds the engine build information, stamped at link time.
package version

import "fmt"

// These are set through -ldflags by the release pipeline.
var (
	// Version is the semantic version of the engine.
	Version = "0.0.0-devel"
	// Commit is the git sha the binary was built from.
	Commit = "unknown"
	// BuildDate is the RFC3339 build timestamp.
	BuildDate = ""
)

// Full returns a single human-readable version line.
func Full() string {
	if BuildDate == "" {
		return fmt.Sprintf("%s (commit %s)", Version, Commit)
	}
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}
