/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtwatch/virt-watchdog/internal/constant"
	"github.com/virtwatch/virt-watchdog/internal/flags"
)

const testConfigContent = `
version = 1
root = "/var/lib/virt-watchdog"
enable_system_controller = true

[hypervisor]
url = "https://pve1.example.com:8006"
username = "watchdog@pve"
password = "secret"
allow_invalid_cert = true

[monitor]
poll_interval = "5s"
transport_timeout = "5s"
feed_interval = "10s"
grace_multiplier = 3
recovery_cooldown = "2m"
channel_failure_tolerance = 5

[log]
level = "warn"

[notify]
telegram_bot_token = "123:abc"
telegram_chat_id = "-100200300"

[[guests]]
id = "101"
node = "pve1"
name = "web-frontend"

[[guests]]
id = "102"
node = "pve2"
feed_interval = "30s"
grace_multiplier = 2
dry_run = true
`

func loadTestConfig(t *testing.T, content string) *WatchdogConfig {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadWatchdogConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestLoadWatchdogConfig(t *testing.T) {
	cfg := loadTestConfig(t, testConfigContent)

	assert.Equal(t, "https://pve1.example.com:8006", cfg.HypervisorConfig.URL)
	assert.True(t, cfg.HypervisorConfig.AllowInvalidCert)
	assert.Equal(t, "warn", cfg.LoggingConfig.LogLevel)
	assert.Equal(t, "123:abc", cfg.NotifyConfig.TelegramBotToken)
	assert.True(t, cfg.EnableSystemController)

	require.Len(t, cfg.Guests, 2)
	assert.Equal(t, "web-frontend", cfg.Guests[0].Name)
	assert.Equal(t, "30s", cfg.Guests[1].FeedInterval)
	assert.True(t, cfg.Guests[1].DryRun)
}

func TestLoadWatchdogConfigErrors(t *testing.T) {
	_, err := LoadWatchdogConfig("")
	assert.Error(t, err)

	_, err = LoadWatchdogConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = [broken"), 0600))
	_, err = LoadWatchdogConfig(path)
	assert.Error(t, err)
}

func TestGuestsInheritMonitorDefaults(t *testing.T) {
	cfg := loadTestConfig(t, testConfigContent)
	require.NoError(t, cfg.FillUpWithDefaults())

	// Guest 101 sets nothing, inherits everything.
	g := cfg.Guests[0]
	assert.Equal(t, "10s", g.FeedInterval)
	assert.Equal(t, 3, g.GraceMultiplier)
	assert.Equal(t, "2m", g.RecoveryCooldown)
	assert.Equal(t, 5, g.ChannelFailureTolerance)
	assert.Equal(t, defaultGuestTokenPath, g.TokenPath)

	// Guest 102 overrides cadence, inherits the rest, and keeps its
	// hypervisor ID as display name.
	g = cfg.Guests[1]
	assert.Equal(t, "30s", g.FeedInterval)
	assert.Equal(t, 2, g.GraceMultiplier)
	assert.Equal(t, "2m", g.RecoveryCooldown)
	assert.Equal(t, "102", g.Name)
}

func TestFillUpWithDefaultsOnEmptyConfig(t *testing.T) {
	var cfg WatchdogConfig
	require.NoError(t, cfg.FillUpWithDefaults())

	assert.Equal(t, constant.DefaultRootDir, cfg.Root)
	assert.Equal(t, constant.DefaultSystemControllerAddress, cfg.SystemControllerAddr)
	assert.Equal(t, constant.DefaultLogLevel, cfg.LoggingConfig.LogLevel)
	assert.Equal(t, constant.DefaultPollInterval, cfg.MonitorConfig.PollInterval)
	assert.Equal(t, constant.DefaultFeedInterval, cfg.MonitorConfig.FeedInterval)
	assert.Equal(t, constant.DefaultGraceMultiplier, cfg.MonitorConfig.GraceMultiplier)
	assert.Equal(t, defaultMaxConcurrentPolls, cfg.MonitorConfig.MaxConcurrentPolls)
}

func TestValidateConfig(t *testing.T) {
	valid := func(t *testing.T) *WatchdogConfig {
		cfg := loadTestConfig(t, testConfigContent)
		require.NoError(t, cfg.FillUpWithDefaults())
		return cfg
	}

	require.NoError(t, ValidateConfig(valid(t)))

	assert.Error(t, ValidateConfig(nil))

	cfg := valid(t)
	cfg.HypervisorConfig.URL = ""
	assert.Error(t, ValidateConfig(cfg))

	cfg = valid(t)
	cfg.HypervisorConfig.Password = ""
	assert.Error(t, ValidateConfig(cfg))

	cfg = valid(t)
	cfg.Guests = nil
	assert.Error(t, ValidateConfig(cfg))
}

// A bad guest entry only costs that guest its monitoring: it is dropped
// during validation while the rest of the fleet starts normally.
func TestValidateConfigDropsBadGuests(t *testing.T) {
	base := func(t *testing.T) *WatchdogConfig {
		cfg := loadTestConfig(t, testConfigContent)
		require.NoError(t, cfg.FillUpWithDefaults())
		return cfg
	}

	for name, mutate := range map[string]func(*WatchdogConfig){
		"no id":          func(c *WatchdogConfig) { c.Guests[1].ID = "" },
		"duplicate id":   func(c *WatchdogConfig) { c.Guests[1].ID = c.Guests[0].ID },
		"no node":        func(c *WatchdogConfig) { c.Guests[1].Node = "" },
		"bad duration":   func(c *WatchdogConfig) { c.Guests[1].FeedInterval = "soon" },
		"bad multiplier": func(c *WatchdogConfig) { c.Guests[1].GraceMultiplier = -1 },
		"bad escalation": func(c *WatchdogConfig) { c.Guests[1].ChannelFailureEscalation = "never" },
	} {
		cfg := base(t)
		mutate(cfg)

		require.NoError(t, ValidateConfig(cfg), name)
		require.Len(t, cfg.Guests, 1, name)
		assert.Equal(t, "101", cfg.Guests[0].ID, name)
	}
}

// Validation fails only when not a single configured guest survives.
func TestValidateConfigNeedsOneValidGuest(t *testing.T) {
	cfg := loadTestConfig(t, testConfigContent)
	require.NoError(t, cfg.FillUpWithDefaults())

	for i := range cfg.Guests {
		cfg.Guests[i].Node = ""
	}
	assert.ErrorContains(t, ValidateConfig(cfg), "no valid guests")
}

func TestParseParametersOverridesFile(t *testing.T) {
	cfg := loadTestConfig(t, testConfigContent)

	args := flags.Args{
		RootDir:                     "/tmp/watchdog-test",
		LogLevel:                    "debug",
		LogToStdout:                 true,
		LogToStdoutCount:            1,
		EnableSystemController:      false,
		EnableSystemControllerCount: 1,
	}
	require.NoError(t, ParseParameters(&args, cfg))

	assert.Equal(t, "/tmp/watchdog-test", cfg.Root)
	assert.Equal(t, "debug", cfg.LoggingConfig.LogLevel)
	assert.True(t, cfg.LoggingConfig.LogToStdout)
	assert.False(t, cfg.EnableSystemController)
}

func TestParseParametersKeepsFileValues(t *testing.T) {
	cfg := loadTestConfig(t, testConfigContent)

	// Flags not given on the command line leave the file values alone.
	require.NoError(t, ParseParameters(&flags.Args{}, cfg))

	assert.Equal(t, "/var/lib/virt-watchdog", cfg.Root)
	assert.Equal(t, "warn", cfg.LoggingConfig.LogLevel)
	assert.True(t, cfg.EnableSystemController)
}
