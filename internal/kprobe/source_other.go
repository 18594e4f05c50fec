// Stub kprobe.Source for non-Linux platforms.
//
// The exec/connect/DNS kernel probe is Linux-specific (eBPF tracepoints or
// the NETLINK_CONNECTOR fallback); on other operating systems Attach reports
// a descriptive error rather than silently doing nothing.
//
//go:build !linux

package kprobe

import (
	"context"
	"fmt"
	"runtime"

	"github.com/aschaap/picosnitch-go/internal/snitchevent"
)

// UnsupportedSource satisfies Source on platforms with no kernel probe
// backend. To add support for another OS, create source_<goos>.go with a
// platform-specific implementation.
type UnsupportedSource struct{}

// NewLinuxSource mirrors the Linux constructor's signature so callers can be
// built without platform-specific wiring; it always returns a source whose
// Attach fails.
func NewLinuxSource(_ []byte) *UnsupportedSource { return &UnsupportedSource{} }

func (UnsupportedSource) Attach(context.Context) (<-chan snitchevent.RawRecord, error) {
	return nil, fmt.Errorf("kprobe: exec/connect tracing is only supported on Linux (current platform: %s)", runtime.GOOS)
}

func (UnsupportedSource) Close() error { return nil }
