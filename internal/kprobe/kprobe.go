// Package kprobe is the boundary between picosnitch and its kernel-side event
// source. The probe program that actually traces execve/connect/DNS activity
// and emits the wire records decoded here is an external collaborator: this
// package only defines the contract a probe backend must honor and ships a
// Linux ring-buffer implementation of it.
package kprobe

import (
	"context"

	"github.com/aschaap/picosnitch-go/internal/snitchevent"
)

// Source attaches to whatever in-kernel mechanism produces exec/connect/DNS
// records and delivers them as decoded snitchevent.RawRecord values. Attach
// must be safe to call once; the returned channel is closed when ctx is
// cancelled or Close is called.
type Source interface {
	// Attach begins delivering records and returns the channel they arrive
	// on. The channel is unbuffered from the source's perspective: a slow
	// reader backs up the underlying ring buffer, not this package.
	Attach(ctx context.Context) (<-chan snitchevent.RawRecord, error)

	// Close releases any kernel resources (maps, programs, perf events)
	// held by the source. Close is idempotent.
	Close() error
}

// recordType tags the wire format of a single ring-buffer record.
type recordType uint8

const (
	recordTypeExec recordType = 0
	recordTypeConn recordType = 1
)

const (
	maxCommLen     = 16
	maxHostLen     = 80
	maxIPLen       = 46 // INET6_ADDRSTRLEN
	maxCmdlineFrag = 256
)
