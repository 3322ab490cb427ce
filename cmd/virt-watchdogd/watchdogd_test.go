/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtwatch/virt-watchdog/config"
)

// Shutdown must drain every subsystem, the system controller included.
func TestStartStopsOnCancellation(t *testing.T) {
	root := t.TempDir()
	cfg := &config.WatchdogConfig{
		Root:                   root,
		EnableSystemController: true,
		SystemControllerAddr:   filepath.Join(root, "system.sock"),
		HypervisorConfig: config.HypervisorConfig{
			URL:      "https://127.0.0.1:8006",
			Username: "watchdog@pve",
			Password: "secret",
		},
		MonitorConfig: config.MonitorConfig{
			PollInterval:     "10ms",
			TransportTimeout: "1s",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, cfg)
	}()

	// Wait for the controller socket so cancellation races the serving
	// path, not startup.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", cfg.SystemControllerAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
