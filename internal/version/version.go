// Package appversion provides build information injected via ldflags:
//
//	-ldflags="-X github.com/security-geeks/evilbts/internal/version.Version=v0.3.0
//	          -X github.com/security-geeks/evilbts/internal/version.GitCommit=abc1234
//	          -X github.com/security-geeks/evilbts/internal/version.BuildDate=2026-10-01T12:00:00Z"
package appversion

import (
	"fmt"

	"github.com/security-geeks/evilbts/internal/ybts"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build information reported by the status service.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
	// Protocol is the signaling link version sent in the handshake.
	Protocol uint32 `json:"protocol" yaml:"protocol"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		Protocol:  uint32(ybts.ProtocolVersion),
	}
}

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:   %s\n  built:    %s\n  protocol: %d",
		binary, Version, GitCommit, BuildDate, ybts.ProtocolVersion)
}
