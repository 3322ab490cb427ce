/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package watchdog

import (
	"time"

	"github.com/pkg/errors"

	"github.com/virtwatch/virt-watchdog/config"
	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/errdefs"
	"github.com/virtwatch/virt-watchdog/pkg/recovery"
	"github.com/virtwatch/virt-watchdog/pkg/transport"
)

// Guest is one monitored guest with all durations parsed. Immutable once
// loaded; owned by the manager.
type Guest struct {
	ID   string
	Node string
	Name string

	Ref    transport.GuestRef
	Policy detector.Policy

	RecoveryCooldown time.Duration
	DryRun           bool
}

// GuestFromConfig parses one validated guest configuration entry.
func GuestFromConfig(cfg config.GuestConfig) (Guest, error) {
	if cfg.ID == "" {
		return Guest{}, errors.Wrap(errdefs.ErrInvalidArgument, "guest id is required")
	}

	feedInterval, err := time.ParseDuration(cfg.FeedInterval)
	if err != nil {
		return Guest{}, errors.Wrapf(err, "guest %s feed_interval", cfg.ID)
	}
	cooldown, err := time.ParseDuration(cfg.RecoveryCooldown)
	if err != nil {
		return Guest{}, errors.Wrapf(err, "guest %s recovery_cooldown", cfg.ID)
	}

	var escalation time.Duration
	if cfg.ChannelFailureEscalation != "" {
		escalation, err = time.ParseDuration(cfg.ChannelFailureEscalation)
		if err != nil {
			return Guest{}, errors.Wrapf(err, "guest %s channel_failure_escalation", cfg.ID)
		}
	}

	return Guest{
		ID:   cfg.ID,
		Node: cfg.Node,
		Name: cfg.Name,
		Ref: transport.GuestRef{
			ID:        cfg.ID,
			Node:      cfg.Node,
			TokenPath: cfg.TokenPath,
		},
		Policy: detector.Policy{
			FeedInterval:             feedInterval,
			GraceMultiplier:          cfg.GraceMultiplier,
			ChannelFailureTolerance:  cfg.ChannelFailureTolerance,
			ChannelFailureEscalation: escalation,
		},
		RecoveryCooldown: cooldown,
		DryRun:           cfg.DryRun,
	}, nil
}

// recoveryView projects the guest onto what the coordinator needs.
func (g Guest) recoveryView() recovery.Guest {
	return recovery.Guest{
		Ref:      g.Ref,
		Name:     g.Name,
		Cooldown: g.RecoveryCooldown,
		DryRun:   g.DryRun,
	}
}
