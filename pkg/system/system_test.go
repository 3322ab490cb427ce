/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package system

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/store"
	"github.com/virtwatch/virt-watchdog/pkg/transport"
	"github.com/virtwatch/virt-watchdog/pkg/watchdog"
)

type stubChannel struct{}

func (stubChannel) ReadLiveness(ctx context.Context, ref transport.GuestRef) (transport.Token, error) {
	return "tok", nil
}

func (stubChannel) RequestReset(ctx context.Context, ref transport.GuestRef) error {
	return nil
}

func (stubChannel) Power(ctx context.Context, ref transport.GuestRef) (bool, error) {
	return true, nil
}

func newTestManager(t *testing.T) *watchdog.Manager {
	manager, err := watchdog.NewManager(watchdog.Opt{
		Channel:          stubChannel{},
		PollInterval:     time.Second,
		TransportTimeout: time.Second,
	})
	require.NoError(t, err)

	for _, id := range []string{"101", "102"} {
		require.NoError(t, manager.AddGuest(watchdog.Guest{
			ID:   id,
			Node: "pve1",
			Name: "guest-" + id,
			Ref:  transport.GuestRef{ID: id, Node: "pve1", TokenPath: "/run/watchdog-token"},
			Policy: detector.Policy{
				FeedInterval:            10 * time.Second,
				GraceMultiplier:         3,
				ChannelFailureTolerance: 5,
			},
			RecoveryCooldown: 2 * time.Minute,
		}))
	}
	return manager
}

// startController serves the API on a unix socket and returns a client
// bound to it.
func startController(t *testing.T, db *store.Database) *http.Client {
	sock := filepath.Join(t.TempDir(), "system.sock")

	sc, err := NewSystemController(newTestManager(t), db, sock, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
		Timeout: 5 * time.Second,
	}

	require.Eventually(t, func() bool {
		resp, err := client.Get("http://unix/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	return client
}

func get(t *testing.T, client *http.Client, path string) (int, []byte) {
	resp, err := client.Get("http://unix" + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestDescribeGuests(t *testing.T) {
	client := startController(t, nil)

	code, body := get(t, client, "/api/v1/guests")
	require.Equal(t, http.StatusOK, code)

	var statuses []watchdog.GuestStatus
	require.NoError(t, json.Unmarshal(body, &statuses))
	require.Len(t, statuses, 2)

	seen := map[string]bool{}
	for _, s := range statuses {
		seen[s.ID] = true
		assert.Equal(t, detector.StateHealthy, s.State)
	}
	assert.True(t, seen["101"] && seen["102"])
}

func TestDescribeGuest(t *testing.T) {
	client := startController(t, nil)

	code, body := get(t, client, "/api/v1/guests/101")
	require.Equal(t, http.StatusOK, code)

	var status watchdog.GuestStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "101", status.ID)
	assert.Equal(t, "guest-101", status.Name)
	assert.Equal(t, "pve1", status.Node)
}

func TestDescribeGuestNotFound(t *testing.T) {
	client := startController(t, nil)

	code, body := get(t, client, "/api/v1/guests/999")
	require.Equal(t, http.StatusNotFound, code)

	var m errorMessage
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Contains(t, m.Message, "999")
}

func TestGuestAttemptsWithoutDatabase(t *testing.T) {
	client := startController(t, nil)

	code, _ := get(t, client, "/api/v1/guests/101/attempts")
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestGuestAttempts(t *testing.T) {
	db, err := store.NewDatabase(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, db.ArchiveAttempt(&store.AttemptRecord{
			ID:      xid.New().String(),
			GuestID: "101",
			Seq:     i,
			Outcome: "failed",
			Error:   fmt.Sprintf("attempt %d", i),
		}))
	}

	client := startController(t, db)

	code, body := get(t, client, "/api/v1/guests/101/attempts")
	require.Equal(t, http.StatusOK, code)

	var attempts []store.AttemptRecord
	require.NoError(t, json.Unmarshal(body, &attempts))
	require.Len(t, attempts, 3)
	assert.Equal(t, 3, attempts[0].Seq)

	// A guest with no history answers with an empty list, not an error.
	code, body = get(t, client, "/api/v1/guests/102/attempts")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &attempts))
	assert.Empty(t, attempts)
}

func TestMetricsEndpoint(t *testing.T) {
	client := startController(t, nil)

	code, _ := get(t, client, "/metrics")
	assert.Equal(t, http.StatusOK, code)
}

func TestLivenessEndpoint(t *testing.T) {
	client := startController(t, nil)

	code, _ := get(t, client, "/live")
	assert.Equal(t, http.StatusOK, code)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "system.sock")

	sc, err := NewSystemController(newTestManager(t), nil, sock, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sc.Run(ctx)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
		Timeout: 5 * time.Second,
	}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://unix/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	// The socket is gone, new connections must fail.
	_, err = client.Get("http://unix/live")
	assert.Error(t, err)
}
