/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/errdefs"
)

func newTestDatabase(t *testing.T) *Database {
	db, err := NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestGuestStateRoundTrip(t *testing.T) {
	db := newTestDatabase(t)

	state := &GuestState{
		ID:           "101",
		State:        detector.StateSuspicious,
		Token:        "9f3a",
		LastFresh:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		StaleCount:   2,
		AttemptCount: 1,
		UpdatedAt:    time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC),
	}
	require.NoError(t, db.SaveGuestState(state))

	got, err := db.GetGuestState("101")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	// Upsert overwrites.
	state.State = detector.StateRecovering
	state.AttemptCount = 2
	require.NoError(t, db.SaveGuestState(state))

	got, err = db.GetGuestState("101")
	require.NoError(t, err)
	assert.Equal(t, detector.StateRecovering, got.State)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestGetGuestStateNotFound(t *testing.T) {
	db := newTestDatabase(t)

	_, err := db.GetGuestState("nope")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestWalkGuestStates(t *testing.T) {
	db := newTestDatabase(t)

	for _, id := range []string{"101", "102", "103"} {
		require.NoError(t, db.SaveGuestState(&GuestState{ID: id, State: detector.StateHealthy}))
	}

	seen := map[string]bool{}
	err := db.WalkGuestStates(func(s *GuestState) error {
		seen[s.ID] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
	assert.True(t, seen["102"])
}

func TestArchiveAndListAttempts(t *testing.T) {
	db := newTestDatabase(t)

	for i := 1; i <= 5; i++ {
		record := &AttemptRecord{
			ID:      xid.New().String(),
			GuestID: "101",
			Seq:     i,
			Outcome: "failed",
			Error:   fmt.Sprintf("attempt %d", i),
		}
		require.NoError(t, db.ArchiveAttempt(record))
	}

	// Newest first.
	records, err := db.ListAttempts("101", 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, 5-i, r.Seq)
	}

	// Limit caps from the newest end.
	records, err = db.ListAttempts("101", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 5, records[0].Seq)
	assert.Equal(t, 4, records[1].Seq)
}

func TestListAttemptsUnknownGuest(t *testing.T) {
	db := newTestDatabase(t)

	records, err := db.ListAttempts("missing", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAttemptsIsolatedPerGuest(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.ArchiveAttempt(&AttemptRecord{ID: xid.New().String(), GuestID: "101", Seq: 1}))
	require.NoError(t, db.ArchiveAttempt(&AttemptRecord{ID: xid.New().String(), GuestID: "102", Seq: 1}))

	records, err := db.ListAttempts("101", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "101", records[0].GuestID)
}

func TestDeleteGuestStateRemovesAttempts(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.SaveGuestState(&GuestState{ID: "101", State: detector.StateHealthy}))
	require.NoError(t, db.ArchiveAttempt(&AttemptRecord{ID: xid.New().String(), GuestID: "101", Seq: 1}))

	require.NoError(t, db.DeleteGuestState("101"))

	_, err := db.GetGuestState("101")
	assert.True(t, errdefs.IsNotFound(err))

	records, err := db.ListAttempts("101", 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Deleting a guest with no archived attempts must not error.
	require.NoError(t, db.DeleteGuestState("102"))
}

func TestDatabaseReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := NewDatabase(dir)
	require.NoError(t, err)
	require.NoError(t, db.SaveGuestState(&GuestState{ID: "101", State: detector.StateUnresponsive, AttemptCount: 3}))
	require.NoError(t, db.Close())

	db, err = NewDatabase(dir)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.GetGuestState("101")
	require.NoError(t, err)
	assert.Equal(t, detector.StateUnresponsive, got.State)
	assert.Equal(t, 3, got.AttemptCount)
}
