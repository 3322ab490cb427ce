/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"time"

	"github.com/containerd/log"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/virtwatch/virt-watchdog/internal/flags"
	"github.com/virtwatch/virt-watchdog/pkg/errdefs"
)

// Configure how the watchdog reaches the hypervisor API.
type HypervisorConfig struct {
	// Base URL of the hypervisor API, e.g. "https://pve1.example.com:8006".
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Accept self-signed certificates. Common for on-prem hypervisors.
	AllowInvalidCert bool `toml:"allow_invalid_cert"`
}

// Per-guest monitoring policy. Zero values inherit from MonitorConfig
// defaults during validation.
type GuestConfig struct {
	// Stable, opaque guest identifier as known by the hypervisor.
	ID string `toml:"id"`
	// Hypervisor node hosting the guest.
	Node string `toml:"node"`
	// Human-readable name used in events and logs.
	Name string `toml:"name"`
	// Path inside the guest where the feeder publishes its liveness token.
	TokenPath string `toml:"token_path"`

	// Expected cadence of the guest-side feeder.
	FeedInterval string `toml:"feed_interval"`
	// Tolerated multiple of the feed interval before a guest with stale
	// evidence is declared unresponsive. Must be >= 1.
	GraceMultiplier int `toml:"grace_multiplier"`
	// Minimum interval between successive reset attempts.
	RecoveryCooldown string `toml:"recovery_cooldown"`
	// Consecutive transport failures tolerated before stale evidence is
	// considered corrupted by channel issues.
	ChannelFailureTolerance int `toml:"channel_failure_tolerance"`
	// How long sustained pure channel failure may last before it escalates
	// to unresponsive. Empty or "0s" disables escalation and the guest is
	// held in the Unknown state instead.
	ChannelFailureEscalation string `toml:"channel_failure_escalation"`

	// Report instead of reset. Events and bookkeeping still happen.
	DryRun bool `toml:"dry_run"`
}

// Fleet-wide monitoring knobs and per-guest fallbacks.
type MonitorConfig struct {
	// Cadence of the global polling tick fanned out to all guests.
	PollInterval string `toml:"poll_interval"`
	// Bound on a single transport call.
	TransportTimeout string `toml:"transport_timeout"`
	// Upper bound on concurrently polling guests per tick.
	MaxConcurrentPolls int `toml:"max_concurrent_polls"`

	FeedInterval             string `toml:"feed_interval"`
	GraceMultiplier          int    `toml:"grace_multiplier"`
	RecoveryCooldown         string `toml:"recovery_cooldown"`
	ChannelFailureTolerance  int    `toml:"channel_failure_tolerance"`
	ChannelFailureEscalation string `toml:"channel_failure_escalation"`
}

type LoggingConfig struct {
	LogToStdout         bool   `toml:"log_to_stdout"`
	LogLevel            string `toml:"level"`
	LogDir              string `toml:"dir"`
	RotateLogMaxSize    int    `toml:"log_rotation_max_size"`
	RotateLogMaxBackups int    `toml:"log_rotation_max_backups"`
	RotateLogMaxAge     int    `toml:"log_rotation_max_age"`
	RotateLogLocalTime  bool   `toml:"log_rotation_local_time"`
	RotateLogCompress   bool   `toml:"log_rotation_compress"`
}

// Configure optional notification sinks fed by the event dispatcher.
type NotifyConfig struct {
	TelegramBotToken string `toml:"telegram_bot_token"`
	TelegramChatID   string `toml:"telegram_chat_id"`
}

type WatchdogConfig struct {
	// Configuration format version
	Version int `toml:"version"`
	// Watchdog's root work directory, holds the database and logs.
	Root                   string `toml:"root"`
	EnableSystemController bool   `toml:"enable_system_controller"`
	SystemControllerAddr   string `toml:"system_controller_address"`
	// TCP address of the optional profiling endpoint. Empty disables it.
	PprofAddr string `toml:"pprof_address"`

	HypervisorConfig HypervisorConfig `toml:"hypervisor"`
	MonitorConfig    MonitorConfig    `toml:"monitor"`
	LoggingConfig    LoggingConfig    `toml:"log"`
	NotifyConfig     NotifyConfig     `toml:"notify"`
	Guests           []GuestConfig    `toml:"guests"`
}

func LoadWatchdogConfig(path string) (*WatchdogConfig, error) {
	var config WatchdogConfig
	if path == "" {
		return nil, errors.New("watchdog configuration path cannot be empty")
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load watchdog configuration file %q", path)
	}
	if err = tree.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "unmarshal watchdog configuration file %q", path)
	}
	return &config, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "%s %q is not a duration", field, value)
	}
	if d < 0 {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument, "%s must not be negative", field)
	}
	return d, nil
}

// ValidateConfig checks a fully merged configuration. Global sections must
// be sound or the daemon refuses to start; a malformed guest entry only
// costs that guest its monitoring. The bad entry is logged and dropped so
// the rest of the fleet is unaffected.
func ValidateConfig(c *WatchdogConfig) error {
	if c == nil {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "configuration is none")
	}

	if len(c.Root) == 0 {
		return errors.New("empty root directory")
	}

	if c.HypervisorConfig.URL == "" {
		return errors.New("hypervisor api url is required")
	}
	if c.HypervisorConfig.Username == "" || c.HypervisorConfig.Password == "" {
		return errors.New("hypervisor credentials are required")
	}

	if _, err := parseDuration("poll_interval", c.MonitorConfig.PollInterval); err != nil {
		return err
	}
	if _, err := parseDuration("transport_timeout", c.MonitorConfig.TransportTimeout); err != nil {
		return err
	}

	if len(c.Guests) == 0 {
		return errors.New("no guests configured")
	}

	valid := c.Guests[:0]
	seen := make(map[string]struct{}, len(c.Guests))
	for i := range c.Guests {
		g := c.Guests[i]
		if err := validateGuest(&g, seen); err != nil {
			log.L.WithError(err).Errorf("Dropping misconfigured guest entry #%d", i)
			continue
		}
		seen[g.ID] = struct{}{}
		valid = append(valid, g)
	}
	c.Guests = valid

	if len(c.Guests) == 0 {
		return errors.New("no valid guests left after validation")
	}

	return nil
}

func validateGuest(g *GuestConfig, seen map[string]struct{}) error {
	if g.ID == "" {
		return errors.Wrap(errdefs.ErrInvalidArgument, "guest has no id")
	}
	if _, ok := seen[g.ID]; ok {
		return errors.Wrapf(errdefs.ErrAlreadyExists, "guest %s configured twice", g.ID)
	}
	if g.Node == "" {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "guest %s has no node", g.ID)
	}
	if _, err := parseDuration("feed_interval", g.FeedInterval); err != nil {
		return errors.Wrapf(err, "guest %s", g.ID)
	}
	if g.GraceMultiplier < 1 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "guest %s grace_multiplier must be >= 1", g.ID)
	}
	if _, err := parseDuration("recovery_cooldown", g.RecoveryCooldown); err != nil {
		return errors.Wrapf(err, "guest %s", g.ID)
	}
	if g.ChannelFailureTolerance < 1 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "guest %s channel_failure_tolerance must be >= 1", g.ID)
	}
	if g.ChannelFailureEscalation != "" {
		if _, err := parseDuration("channel_failure_escalation", g.ChannelFailureEscalation); err != nil {
			return errors.Wrapf(err, "guest %s", g.ID)
		}
	}
	return nil
}

// Parse command line arguments and fill the watchdog configuration.
// Always let options from CLI override those from configuration file.
func ParseParameters(args *flags.Args, cfg *WatchdogConfig) error {
	if args.RootDir != "" {
		cfg.Root = args.RootDir
	}
	if args.SystemControllerAddr != "" {
		cfg.SystemControllerAddr = args.SystemControllerAddr
	}
	if args.EnableSystemControllerCount > 0 {
		cfg.EnableSystemController = args.EnableSystemController
	}
	if args.PprofAddr != "" {
		cfg.PprofAddr = args.PprofAddr
	}

	// --- logging configuration
	logConfig := &cfg.LoggingConfig
	if args.LogLevel != "" {
		logConfig.LogLevel = args.LogLevel
	}
	if args.LogToStdoutCount > 0 {
		logConfig.LogToStdout = args.LogToStdout
	}

	return nil
}
