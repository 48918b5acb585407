package quentin

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t testing.TB, factions ...string) *FactionLedger {
	t.Helper()
	l := NewFactionLedger(testDB(t), nil, NewMetrics())
	for i, name := range factions {
		_, err := l.CreateFaction(
			context.Background(),
			testGuildID,
			name,
			fmt.Sprintf("50000000000000000%d", i),
		)
		require.NoError(t, err)
	}
	return l
}

func testAward(faction string, messageID string, authorID string, points int) AwardRequest {
	return AwardRequest{
		GuildID:      testGuildID,
		FactionName:  faction,
		Points:       points,
		SubmissionID: messageID,
		ChannelID:    testQuestChannelID,
		AuthorID:     authorID,
		QuestID:      "quest-1",
		GameID:       GameWordle,
	}
}

func totalsByName(t testing.TB, l *FactionLedger) map[string]int {
	t.Helper()
	factions, err := l.Totals(context.Background(), testGuildID)
	require.NoError(t, err)
	totals := map[string]int{}
	for _, f := range factions {
		totals[f.Name] = f.TotalPoints
	}
	return totals
}

func TestFactionLedgerCreateFaction(t *testing.T) {
	l := newTestLedger(t, "Red")
	ctx := context.Background()

	_, err := l.CreateFaction(ctx, testGuildID, "Red", "599999999999999999")
	assert.ErrorIs(t, err, ErrFactionExists)

	_, err = l.CreateFaction(ctx, testGuildID, "Crimson", "500000000000000000")
	assert.ErrorIs(t, err, ErrFactionExists)

	_, err = l.CreateFaction(ctx, testGuildID, "  ", "599999999999999999")
	assert.Error(t, err)

	// names are only unique within a guild
	f, err := l.CreateFaction(ctx, "another-guild", "Red", "500000000000000000")
	require.NoError(t, err)
	assert.Equal(t, 0, f.TotalPoints)

	f, err = l.CreateFaction(ctx, testGuildID, " Blue ", "599999999999999999")
	require.NoError(t, err)
	assert.Equal(t, "Blue", f.Name)
}

func TestFactionLedgerAward(t *testing.T) {
	l := newTestLedger(t, "Red", "Blue")
	ctx := context.Background()

	entry, err := l.Award(ctx, testAward("Red", "m1", "u1", 5))
	require.NoError(t, err)
	assert.Equal(t, 5, entry.Points)
	assert.Equal(t, "Red", entry.FactionName)
	assert.Equal(t, LedgerEntryAward, entry.Kind)

	_, err = l.Award(ctx, testAward("Blue", "m2", "u2", 10))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"Red": 5, "Blue": 10}, totalsByName(t, l))

	factions, err := l.Totals(ctx, testGuildID)
	require.NoError(t, err)
	require.Len(t, factions, 2)
	assert.Equal(t, "Blue", factions[0].Name)

	t.Run(
		"same message", func(t *testing.T) {
			_, err := l.Award(ctx, testAward("Blue", "m1", "u9", 5))
			assert.ErrorIs(t, err, ErrAlreadyProcessed)
		},
	)
	t.Run(
		"same author and quest", func(t *testing.T) {
			_, err := l.Award(ctx, testAward("Red", "m3", "u1", 5))
			assert.ErrorIs(t, err, ErrAlreadyProcessed)
		},
	)
	t.Run(
		"same author, next quest", func(t *testing.T) {
			req := testAward("Red", "m4", "u1", 3)
			req.QuestID = "quest-2"
			_, err := l.Award(ctx, req)
			assert.NoError(t, err)
		},
	)
	t.Run(
		"unknown faction", func(t *testing.T) {
			_, err := l.Award(ctx, testAward("Green", "m5", "u5", 5))
			assert.ErrorIs(t, err, ErrFactionNotFound)
		},
	)
	t.Run(
		"invalid request", func(t *testing.T) {
			_, err := l.Award(ctx, testAward("Red", "m6", "u6", -1))
			assert.Error(t, err)
			_, err = l.Award(ctx, testAward("Red", "", "u6", 1))
			assert.Error(t, err)
		},
	)
	t.Run(
		"cancelled", func(t *testing.T) {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			_, err := l.Award(cancelled, testAward("Red", "m7", "u7", 5))
			assert.ErrorIs(t, err, context.Canceled)

			processed, err := l.processedMessages(ctx, testGuildID, []string{"m7"})
			require.NoError(t, err)
			assert.False(t, processed["m7"])
		},
	)

	assert.Equal(t, map[string]int{"Red": 8, "Blue": 10}, totalsByName(t, l))
	require.NoError(t, l.Verify(ctx, testGuildID))
}

func TestFactionLedgerConcurrentAwards(t *testing.T) {
	l := newTestLedger(t, "Red", "Blue")
	ctx := context.Background()

	const awards = 40
	wg := &sync.WaitGroup{}
	errs := make(chan error, awards)
	for i := 0; i < awards; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			faction := "Red"
			if i%2 == 0 {
				faction = "Blue"
			}
			_, err := l.Award(ctx, testAward(faction, fmt.Sprintf("m%d", i), fmt.Sprintf("u%d", i), 1))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, map[string]int{"Red": awards / 2, "Blue": awards / 2}, totalsByName(t, l))
	require.NoError(t, l.Verify(ctx, testGuildID))
}

func TestFactionLedgerResetFaction(t *testing.T) {
	l := newTestLedger(t, "Red")
	ctx := context.Background()

	_, err := l.Award(ctx, testAward("Red", "m1", "u1", 5))
	require.NoError(t, err)
	_, err = l.Award(ctx, testAward("Red", "m2", "u2", 10))
	require.NoError(t, err)

	entry, err := l.ResetFaction(ctx, testGuildID, "Red")
	require.NoError(t, err)
	assert.Equal(t, -15, entry.Points)
	assert.Equal(t, LedgerEntryReset, entry.Kind)
	assert.Equal(t, map[string]int{"Red": 0}, totalsByName(t, l))
	require.NoError(t, l.Verify(ctx, testGuildID))

	// a reset doesn't count as the author's award
	_, err = l.Award(ctx, testAward("Red", "m3", "u3", 2))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Red": 2}, totalsByName(t, l))

	_, err = l.ResetFaction(ctx, testGuildID, "Green")
	assert.ErrorIs(t, err, ErrFactionNotFound)
}

func TestFactionLedgerRemoveFaction(t *testing.T) {
	l := newTestLedger(t, "Red", "Blue")
	ctx := context.Background()

	_, err := l.Award(ctx, testAward("Red", "m1", "u1", 5))
	require.NoError(t, err)

	require.NoError(t, l.RemoveFaction(ctx, testGuildID, "Red"))
	assert.Equal(t, map[string]int{"Blue": 0}, totalsByName(t, l))

	entries, err := l.Log(ctx, testGuildID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Red", entries[0].FactionName)

	assert.ErrorIs(t, l.RemoveFaction(ctx, testGuildID, "Red"), ErrFactionNotFound)

	// the name and role can be reused
	_, err = l.CreateFaction(ctx, testGuildID, "Red", "500000000000000000")
	require.NoError(t, err)
	require.NoError(t, l.Verify(ctx, testGuildID))
}

func TestFactionLedgerVerifyConflict(t *testing.T) {
	l := newTestLedger(t, "Red", "Blue")
	ctx := context.Background()

	_, err := l.Award(ctx, testAward("Red", "m1", "u1", 5))
	require.NoError(t, err)

	err = l.db.DB().Model(&Faction{}).
		Where("guild_id = ? AND name = ?", testGuildID, "Red").
		Update("total_points", 50).Error
	require.NoError(t, err)

	err = l.Verify(ctx, testGuildID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerConflict)
	assert.Contains(t, err.Error(), `"Red"`)
	assert.NotContains(t, err.Error(), `"Blue"`)
}

func TestFactionLedgerLog(t *testing.T) {
	l := newTestLedger(t, "Red")
	ctx := context.Background()

	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	var tick int
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 5; i++ {
		_, err := l.Award(ctx, testAward("Red", fmt.Sprintf("m%d", i), fmt.Sprintf("u%d", i), i+1))
		require.NoError(t, err)
	}

	entries, err := l.Log(ctx, testGuildID, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m4", entries[0].SubmissionID)
	assert.Equal(t, "m3", entries[1].SubmissionID)
	assert.Equal(t, "m2", entries[2].SubmissionID)
	assert.True(t, entries[0].Timestamp.After(entries[1].Timestamp))

	entries, err = l.Log(ctx, testGuildID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	entries, err = l.Log(ctx, "another-guild", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFactionLedgerMarkers(t *testing.T) {
	l := newTestLedger(t, "Red")
	ctx := context.Background()

	_, err := l.Award(ctx, testAward("Red", "m1", "u1", 5))
	require.NoError(t, err)

	marker := ProcessedSubmission{
		GuildID:   testGuildID,
		MessageID: "m2",
		QuestID:   "quest-1",
		AuthorID:  "u2",
		Reason:    "no faction",
	}
	require.NoError(t, l.markRejected(ctx, marker))
	// an existing marker is left alone
	require.NoError(t, l.markRejected(ctx, marker))
	marker.MessageID = "m1"
	require.NoError(t, l.markRejected(ctx, marker))

	processed, err := l.processedMessages(ctx, testGuildID, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m1": true, "m2": true}, processed)

	var stored ProcessedSubmission
	require.NoError(
		t,
		l.db.DB().Where("guild_id = ? AND message_id = ?", testGuildID, "m1").First(&stored).Error,
	)
	assert.Equal(t, OutcomeSuccess, stored.Outcome)
	assert.Equal(t, 5, stored.Points)

	// a rejected message can't be awarded later
	_, err = l.Award(ctx, testAward("Red", "m2", "u2", 5))
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	authors, err := l.awardedAuthors(ctx, testGuildID, "quest-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u1": true}, authors)

	processed, err = l.processedMessages(ctx, testGuildID, nil)
	require.NoError(t, err)
	assert.Empty(t, processed)
}
