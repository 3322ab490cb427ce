/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/virtwatch/virt-watchdog/config"
	"github.com/virtwatch/virt-watchdog/pkg/event"
	"github.com/virtwatch/virt-watchdog/pkg/pprof"
	"github.com/virtwatch/virt-watchdog/pkg/recovery"
	"github.com/virtwatch/virt-watchdog/pkg/store"
	"github.com/virtwatch/virt-watchdog/pkg/system"
	"github.com/virtwatch/virt-watchdog/pkg/transport"
	"github.com/virtwatch/virt-watchdog/pkg/watchdog"
)

// Start wires all subsystems together and blocks until a termination
// signal arrives or a fatal setup error occurs.
func Start(ctx context.Context, cfg *config.WatchdogConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return errors.Wrapf(err, "create root directory %s", cfg.Root)
	}

	if cfg.PprofAddr != "" {
		if err := pprof.NewPprofHTTPListener(cfg.PprofAddr); err != nil {
			return errors.Wrap(err, "start pprof server")
		}
	}

	db, err := store.NewDatabase(cfg.Root)
	if err != nil {
		return errors.Wrap(err, "create database")
	}
	defer db.Close()

	channel, err := transport.NewProxmoxClient(transport.ProxmoxOpt{
		URL:              cfg.HypervisorConfig.URL,
		Username:         cfg.HypervisorConfig.Username,
		Password:         cfg.HypervisorConfig.Password,
		AllowInvalidCert: cfg.HypervisorConfig.AllowInvalidCert,
	})
	if err != nil {
		return errors.Wrap(err, "create hypervisor client")
	}

	sinks := event.MultiSink{event.LogSink{}}
	if cfg.NotifyConfig.TelegramBotToken != "" && cfg.NotifyConfig.TelegramChatID != "" {
		sinks = append(sinks, event.NewTelegramSink(
			cfg.NotifyConfig.TelegramBotToken, cfg.NotifyConfig.TelegramChatID))
	}
	dispatcher := event.NewDispatcher(sinks, 0)
	defer dispatcher.Close()

	transportTimeout, err := time.ParseDuration(cfg.MonitorConfig.TransportTimeout)
	if err != nil {
		return errors.Wrap(err, "parse transport_timeout")
	}
	pollInterval, err := time.ParseDuration(cfg.MonitorConfig.PollInterval)
	if err != nil {
		return errors.Wrap(err, "parse poll_interval")
	}

	coordinator := recovery.NewCoordinator(recovery.Opt{
		Channel: channel,
		Sink:    dispatcher,
		Timeout: transportTimeout,
		Archiver: func(attempt recovery.Attempt) {
			record := store.AttemptRecord{
				ID:         attempt.ID,
				GuestID:    attempt.GuestID,
				Seq:        attempt.Seq,
				StartedAt:  attempt.StartedAt,
				FinishedAt: attempt.FinishedAt,
				Outcome:    string(attempt.Outcome),
				Error:      attempt.Error,
				DryRun:     attempt.DryRun,
			}
			if err := db.ArchiveAttempt(&record); err != nil {
				log.G(ctx).WithError(err).Warnf("Failed to archive recovery attempt for guest %s", attempt.GuestID)
			}
		},
	})

	manager, err := watchdog.NewManager(watchdog.Opt{
		Channel:            channel,
		Sink:               dispatcher,
		Database:           db,
		Coordinator:        coordinator,
		PollInterval:       pollInterval,
		TransportTimeout:   transportTimeout,
		MaxConcurrentPolls: cfg.MonitorConfig.MaxConcurrentPolls,
	})
	if err != nil {
		return errors.Wrap(err, "create watchdog manager")
	}

	// A guest with a broken configuration entry is skipped; the rest of
	// the fleet keeps being monitored.
	for _, guestConfig := range cfg.Guests {
		guest, err := watchdog.GuestFromConfig(guestConfig)
		if err != nil {
			log.G(ctx).WithError(err).Errorf("Skipping misconfigured guest %q", guestConfig.ID)
			continue
		}
		if err := manager.AddGuest(guest); err != nil {
			log.G(ctx).WithError(err).Errorf("Failed to register guest %q", guest.ID)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.EnableSystemController {
		controller, err := system.NewSystemController(manager, db, cfg.SystemControllerAddr, hypervisorDialAddr(cfg.HypervisorConfig.URL))
		if err != nil {
			return errors.Wrap(err, "create system controller")
		}
		eg.Go(func() error {
			return controller.Run(ctx)
		})
	}

	eg.Go(func() error {
		return manager.Run(ctx)
	})

	err = eg.Wait()

	// Let a recovery attempt caught mid-flight finish; its outcome is
	// re-evaluated from live polls on the next start either way.
	coordinator.Wait()

	if errors.Is(err, context.Canceled) {
		log.G(ctx).Info("virt-watchdog exited")
		return nil
	}
	return err
}

// hypervisorDialAddr extracts a host:port for the readiness TCP check.
func hypervisorDialAddr(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "http":
		return u.Host + ":80"
	default:
		return u.Host + ":443"
	}
}
