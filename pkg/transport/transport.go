/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package transport

import (
	"context"
)

// Token is the opaque liveness value published by the guest-side feeder.
// Two tokens are only ever compared for equality; a change means the guest
// has fed since the previous observation.
type Token string

// GuestRef carries everything the channel needs to address one guest.
type GuestRef struct {
	// Stable guest identifier, e.g. a VMID.
	ID string
	// Hypervisor node hosting the guest.
	Node string
	// Path inside the guest where the feeder publishes the token.
	TokenPath string
}

// Channel is the per-guest communication adapter towards the hypervisor's
// guest agent. Errors returned by implementations belong to the errdefs
// transport taxonomy (ChannelUnavailable, Timeout, Protocol) and are
// evidence for the failure detector, never fatal to the monitor.
type Channel interface {
	// ReadLiveness returns the latest liveness token visible through the
	// guest-agent channel.
	ReadLiveness(ctx context.Context, guest GuestRef) (Token, error)

	// RequestReset issues a forced reset. Safe to call while the guest is
	// mid-boot; the hypervisor treats it as idempotent.
	RequestReset(ctx context.Context, guest GuestRef) error

	// Power reports whether the guest is powered on. Powered-off guests
	// are not monitored and never reset.
	Power(ctx context.Context, guest GuestRef) (bool, error)
}
