package quentin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRedRoleID  = "500000000000000000"
	testBlueRoleID = "500000000000000001"
)

type fakeOCR struct {
	mu    sync.Mutex
	texts map[string]string
	calls []string
	keys  []string
}

func (f *fakeOCR) Recognize(_ context.Context, apiKey string, imageURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, imageURL)
	f.keys = append(f.keys, apiKey)
	text, ok := f.texts[imageURL]
	if !ok {
		return "", &ProviderError{Kind: ProviderErrorMalformed, Message: "unable to parse image"}
	}
	return text, nil
}

type fakeImages struct {
	images map[string]image.Image
}

func (f fakeImages) FetchImage(_ context.Context, imageURL string) (image.Image, error) {
	img, ok := f.images[imageURL]
	if !ok {
		return nil, fmt.Errorf("%w: attachment not found", ErrExtractionMismatch)
	}
	return img, nil
}

type collectorFixture struct {
	collector *SubmissionCollector
	ledger    *FactionLedger
	gateway   *fakeGateway
	ocr       *fakeOCR
	quest     Quest
	gc        GuildContext
}

func newCollectorFixture(t testing.TB, game GameID, factions ...string) *collectorFixture {
	t.Helper()
	ledger := newTestLedger(t, factions...)
	gw := newFakeGateway()
	ocr := &fakeOCR{texts: map[string]string{}}
	images := fakeImages{images: map[string]image.Image{}}

	announced := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	f := &collectorFixture{
		ledger:  ledger,
		gateway: gw,
		ocr:     ocr,
		collector: NewSubmissionCollector(
			gw,
			DefaultRegistry(),
			ledger,
			ocr,
			images,
			nil,
			NewMetrics(),
			4,
		),
		quest: Quest{
			ID:                    "quest-1",
			GuildID:               testGuildID,
			GameID:                game,
			ChannelID:             testQuestChannelID,
			State:                 QuestStateCollecting,
			AnnouncedAt:           announced,
			ScoringDeadline:       announced.Add(time.Hour),
			AnnouncementMessageID: "announcement",
		},
	}
	f.gc = newGuildContext(testGuildConfig(game), "global-key")
	f.gc.OCRAPIKey = "guild-key"
	return f
}

// post adds a submission minutes after the quest's announcement
func (f *collectorFixture) post(messageID string, authorID string, minutes int, text string, attachments ...string) {
	f.gateway.addSubmission(
		Submission{
			GuildID:        testGuildID,
			AuthorID:       authorID,
			ChannelID:      testQuestChannelID,
			MessageID:      messageID,
			Text:           text,
			AttachmentURLs: attachments,
			PostedAt:       f.quest.AnnouncedAt.Add(time.Duration(minutes) * time.Minute),
		},
	)
}

func resultsByMessage(report CollectionReport) map[string]SubmissionResult {
	results := map[string]SubmissionResult{}
	for _, r := range report.Results {
		results[r.MessageID] = r
	}
	return results
}

func TestCollectorCollect(t *testing.T) {
	f := newCollectorFixture(t, GameWordle, "Red", "Blue")
	ctx := context.Background()

	f.gateway.setRoles("u1", testRedRoleID)
	f.gateway.setRoles("u2", testBlueRoleID)
	f.gateway.setRoles("u4", testRedRoleID, testBlueRoleID)
	f.gateway.setRoles("u5", testRedRoleID)

	f.gateway.addSubmission(
		Submission{
			AuthorID:    "bot",
			AuthorIsBot: true,
			ChannelID:   testQuestChannelID,
			MessageID:   "announcement",
			Text:        "Today's quest: Wordle",
			PostedAt:    f.quest.AnnouncedAt,
		},
	)
	f.post("m1", "u1", 1, "Wordle 1,234 2/6\n\n⬛🟨⬛⬛⬛\n🟩🟩🟩🟩🟩")
	f.post("m2", "u1", 2, "Wordle 1,234 1/6\n\n🟩🟩🟩🟩🟩")
	f.post("m3", "u2", 3, "Wordle 1,234 1/6\n\n🟩🟩🟩🟩🟩")
	f.post("m4", "u3", 4, "Wordle 1,234 3/6")
	f.post("m5", "u5", 5, "good luck everyone")
	f.post("m6", "u5", 6, "Wordle 1,234 4/6")
	f.post("m7", "u4", 7, "Wordle 1,234 1/6")
	f.post("early", "u4", -5, "Wordle 1,233 1/6")
	f.post("late", "u4", 61, "Wordle 1,235 1/6")

	report, err := f.collector.Collect(ctx, f.gc, f.quest)
	require.NoError(t, err)

	assert.Equal(t, "quest-1", report.QuestID)
	assert.Equal(t, 7, report.Fetched)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 4, report.Awarded)
	assert.Equal(t, 3, report.Rejected)
	// u4 has both roles, and Blue sorts first
	assert.Equal(t, map[string]int{"Red": 10, "Blue": 20}, report.Points)

	results := resultsByMessage(report)
	assert.Equal(t, OutcomeSuccess, results["m1"].Outcome)
	assert.Equal(t, 5, results["m1"].Points)
	assert.Equal(t, "Red", results["m1"].Faction)
	assert.Equal(t, OutcomeFailure, results["m2"].Outcome)
	assert.Equal(t, ErrAlreadyProcessed.Error(), results["m2"].Reason)
	assert.Equal(t, OutcomeSuccess, results["m3"].Outcome)
	assert.Equal(t, 10, results["m3"].Points)
	assert.Equal(t, OutcomeFailure, results["m4"].Outcome)
	assert.Contains(t, results["m4"].Reason, ErrNoFaction.Error())
	assert.Equal(t, OutcomeFailure, results["m5"].Outcome)
	assert.Contains(t, results["m5"].Reason, ErrExtractionMismatch.Error())
	assert.Equal(t, OutcomeSuccess, results["m6"].Outcome)
	assert.Equal(t, "Blue", results["m7"].Faction)

	for id, expected := range map[string]MessageOutcome{
		"m1": OutcomeSuccess,
		"m2": OutcomeFailure,
		"m3": OutcomeSuccess,
		"m4": OutcomeFailure,
		"m5": OutcomeFailure,
		"m6": OutcomeSuccess,
		"m7": OutcomeSuccess,
	} {
		outcome, ok := f.gateway.outcome(id)
		require.True(t, ok, id)
		assert.Equal(t, expected, outcome, id)
	}
	for _, id := range []string{"announcement", "early", "late"} {
		_, ok := f.gateway.outcome(id)
		assert.False(t, ok, id)
	}

	assert.Equal(t, map[string]int{"Red": 10, "Blue": 20}, totalsByName(t, f.ledger))
	require.NoError(t, f.ledger.Verify(ctx, testGuildID))

	t.Run(
		"rerun skips processed messages", func(t *testing.T) {
			f.post("m8", "u1", 30, "Wordle 1,234 1/6")
			f.post("m9", "u6", 31, "Wordle 1,234 1/6")
			f.gateway.setRoles("u6", testRedRoleID)

			again, err := f.collector.Collect(ctx, f.gc, f.quest)
			require.NoError(t, err)
			assert.Equal(t, 9, again.Fetched)
			assert.Equal(t, 7, again.Skipped)
			assert.Equal(t, 1, again.Awarded)
			assert.Equal(t, 1, again.Rejected)

			results := resultsByMessage(again)
			assert.Equal(t, OutcomeFailure, results["m8"].Outcome)
			assert.Equal(t, OutcomeSuccess, results["m9"].Outcome)
			assert.Equal(t, map[string]int{"Red": 20, "Blue": 20}, totalsByName(t, f.ledger))
		},
	)
}

func TestCollectorOCRGame(t *testing.T) {
	f := newCollectorFixture(t, Game2048, "Red")
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		f.gateway.setRoles(u, testRedRoleID)
	}
	f.ocr.texts["https://cdn.example.com/u1.png"] = "2048\nSCORE\n4,096\nBEST\n9,000"
	f.ocr.texts["https://cdn.example.com/u4.png"] = "Game over!"

	f.post("m1", "u1", 1, "", "https://cdn.example.com/u1.png")
	f.post("m2", "u2", 2, "forgot the screenshot")
	f.post("m3", "u3", 3, "", "https://cdn.example.com/a.png", "https://cdn.example.com/b.png")
	f.post("m4", "u4", 4, "", "https://cdn.example.com/u4.png")
	f.post("m5", "u4", 5, "", "https://cdn.example.com/missing.png")

	report, err := f.collector.Collect(ctx, f.gc, f.quest)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Awarded)
	assert.Equal(t, 4, report.Rejected)

	results := resultsByMessage(report)
	assert.Equal(t, 5, results["m1"].Points)
	assert.Contains(t, results["m2"].Reason, "got 0")
	assert.Contains(t, results["m3"].Reason, "got 2")
	assert.Contains(t, results["m4"].Reason, ErrExtractionMismatch.Error())
	assert.Contains(t, results["m5"].Reason, "unable to parse image")

	// mismatched attachment counts never reach the OCR provider
	f.ocr.mu.Lock()
	defer f.ocr.mu.Unlock()
	assert.ElementsMatch(
		t,
		[]string{
			"https://cdn.example.com/u1.png",
			"https://cdn.example.com/u4.png",
			"https://cdn.example.com/missing.png",
		},
		f.ocr.calls,
	)
	for _, key := range f.ocr.keys {
		assert.Equal(t, "guild-key", key)
	}
}

func TestCollectorImageGame(t *testing.T) {
	f := newCollectorFixture(t, GameSuika, "Red")
	ctx := context.Background()
	f.gateway.setRoles("u1", testRedRoleID)
	f.collector.images = fakeImages{
		images: map[string]image.Image{
			"https://cdn.example.com/melon.png": solidImage(20, 20, color.RGBA{G: 200, A: 255}),
		},
	}

	f.post("m1", "u1", 1, "", "https://cdn.example.com/melon.png")
	report, err := f.collector.Collect(ctx, f.gc, f.quest)
	require.NoError(t, err)
	require.Equal(t, 1, report.Awarded)
	assert.Equal(t, map[string]int{"Red": 20}, report.Points)
	assert.Empty(t, f.ocr.calls)
}

func TestCollectorNoFactions(t *testing.T) {
	f := newCollectorFixture(t, GameWordle)
	ctx := context.Background()

	f.post("m1", "u1", 1, "Wordle 1,234 1/6")
	f.post("m2", "u2", 2, "Wordle 1,234 2/6")

	report, err := f.collector.Collect(ctx, f.gc, f.quest)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Awarded)
	assert.Equal(t, 2, report.Rejected)
	for _, r := range report.Results {
		assert.Contains(t, r.Reason, ErrNoFaction.Error())
	}
}

func TestCollectorErrors(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"unknown game", func(t *testing.T) {
			f := newCollectorFixture(t, "Minesweeper", "Red")
			_, err := f.collector.Collect(ctx, f.gc, f.quest)
			assert.ErrorIs(t, err, ErrUnknownGame)
		},
	)

	t.Run(
		"fetch error", func(t *testing.T) {
			f := newCollectorFixture(t, GameWordle, "Red")
			f.gateway.fetchErr = errors.New("discord is down")
			_, err := f.collector.Collect(ctx, f.gc, f.quest)
			assert.ErrorContains(t, err, "discord is down")
		},
	)

	t.Run(
		"cancelled", func(t *testing.T) {
			f := newCollectorFixture(t, GameWordle, "Red")
			f.gateway.setRoles("u1", testRedRoleID)
			f.post("m1", "u1", 1, "Wordle 1,234 1/6")

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			_, err := f.collector.Collect(cancelled, f.gc, f.quest)
			assert.ErrorIs(t, err, context.Canceled)

			_, marked := f.gateway.outcome("m1")
			assert.False(t, marked)
			assert.Equal(t, map[string]int{"Red": 0}, totalsByName(t, f.ledger))
		},
	)
}

func TestCollectorDeferredSubmissions(t *testing.T) {
	f := newCollectorFixture(t, GameWordle, "Red", "Blue")
	ctx := context.Background()

	f.gateway.setRoles("u1", testRedRoleID)
	f.gateway.setRoles("u2", testBlueRoleID)
	f.post("m1", "u1", 1, "Wordle 1,234 1/6")
	f.post("m2", "u1", 2, "Wordle 1,234 2/6")
	f.post("m3", "u2", 3, "Wordle 1,234 3/6")

	f.gateway.setRoleErr(errors.New("discord 503"))
	report, err := f.collector.Collect(ctx, f.gc, f.quest)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Awarded)
	assert.Equal(t, 0, report.Rejected)
	assert.Equal(t, 3, report.Deferred)
	for _, r := range report.Results {
		assert.True(t, r.Deferred, r.MessageID)
		assert.Equal(t, OutcomeFailure, r.Outcome, r.MessageID)
	}
	assert.Contains(t, resultsByMessage(report)["m1"].Reason, "discord 503")

	// deferred submissions aren't marked anywhere
	for _, id := range []string{"m1", "m2", "m3"} {
		_, ok := f.gateway.outcome(id)
		assert.False(t, ok, id)
	}
	processed, err := f.ledger.processedMessages(ctx, testGuildID, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Empty(t, processed)

	// once discord recovers, the same submissions are scored in order
	f.gateway.setRoleErr(nil)
	again, err := f.collector.Collect(ctx, f.gc, f.quest)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Skipped)
	assert.Equal(t, 2, again.Awarded)
	assert.Equal(t, 1, again.Rejected)
	assert.Equal(t, 0, again.Deferred)

	results := resultsByMessage(again)
	assert.Equal(t, OutcomeSuccess, results["m1"].Outcome)
	assert.Equal(t, 10, results["m1"].Points)
	assert.Equal(t, ErrAlreadyProcessed.Error(), results["m2"].Reason)
	assert.Equal(t, OutcomeSuccess, results["m3"].Outcome)
	assert.Equal(t, map[string]int{"Red": 10, "Blue": 5}, totalsByName(t, f.ledger))
}

func TestPermanentFailure(t *testing.T) {
	permanent := []error{
		fmt.Errorf("%w: no Wordle score found", ErrExtractionMismatch),
		fmt.Errorf("%w: user u1", ErrNoFaction),
		ErrFactionNotFound,
		ErrAlreadyProcessed,
		ErrMaxRetriesExceeded,
		&ProviderError{Kind: ProviderErrorAuth},
		&ProviderError{Kind: ProviderErrorMalformed},
	}
	for _, err := range permanent {
		assert.True(t, permanentFailure(err), err.Error())
	}

	deferred := []error{
		errors.New("discord 503"),
		ErrProviderOutage,
		ErrConfiguration,
		&ProviderError{Kind: ProviderErrorTransient, StatusCode: 502},
		&ProviderError{Kind: ProviderErrorRateLimited, StatusCode: 429},
	}
	for _, err := range deferred {
		assert.False(t, permanentFailure(err), err.Error())
	}
}

func TestNewGuildContext(t *testing.T) {
	cfg := testGuildConfig(GameWordle)
	assert.Equal(t, "global", newGuildContext(cfg, "global").OCRAPIKey)
	cfg.OCRAPIKey = "guild"
	assert.Equal(t, "guild", newGuildContext(cfg, "global").OCRAPIKey)
}
