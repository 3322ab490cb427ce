/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// Transport error taxonomy. These never terminate the monitor, they
	// are evidence fed to the failure detector.

	// ErrChannelUnavailable means the channel to the guest agent could not
	// be established at all.
	ErrChannelUnavailable = errors.New("guest channel unavailable")
	// ErrTimeout means the guest agent did not answer within the bound.
	ErrTimeout = errors.New("guest channel timeout")
	// ErrProtocol means the guest agent answered with something we cannot
	// interpret.
	ErrProtocol = errors.New("guest channel protocol error")
)

// IsAlreadyExists returns true if the error is due to already exists
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotFound returns true if the error is due to a missing object
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsChannelUnavailable(err error) bool {
	return errors.Is(err, ErrChannelUnavailable)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsTransport returns true for any error belonging to the transport
// taxonomy. Such errors are recorded as channel-failure evidence and must
// never be treated as fatal by callers.
func IsTransport(err error) bool {
	return IsChannelUnavailable(err) || IsTimeout(err) || IsProtocol(err)
}

// ClassifyTransport folds an arbitrary error returned by the HTTP layer
// into the transport taxonomy. Errors already classified pass through.
func ClassifyTransport(err error) error {
	if err == nil || IsTransport(err) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.Wrap(ErrTimeout, err.Error())
		}
		return errors.Wrap(ErrChannelUnavailable, err.Error())
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Wrap(ErrChannelUnavailable, err.Error())
	}

	return errors.Wrap(ErrProtocol, err.Error())
}
