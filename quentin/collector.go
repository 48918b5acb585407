package quentin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// OCRRecognizer returns the text found in an image. Implemented by
// *OCRClient.
type OCRRecognizer interface {
	Recognize(ctx context.Context, apiKey string, imageURL string) (string, error)
}

// GuildContext carries a guild's settings into the scheduler and
// collector
type GuildContext struct {
	Config GuildConfig

	// OCRAPIKey is the guild's OCR key if set, else the global key
	OCRAPIKey string
}

func newGuildContext(cfg GuildConfig, globalOCRKey string) GuildContext {
	key := cfg.OCRAPIKey
	if key == "" {
		key = globalOCRKey
	}
	return GuildContext{Config: cfg, OCRAPIKey: key}
}

// SubmissionResult is the outcome of scoring one message
type SubmissionResult struct {
	MessageID string         `json:"message_id"`
	AuthorID  string         `json:"author_id"`
	Outcome   MessageOutcome `json:"outcome"`
	Points    int            `json:"points,omitempty"`
	Faction   string         `json:"faction,omitempty"`
	Reason    string         `json:"reason,omitempty"`

	// Deferred is set when the submission couldn't be checked for a
	// reason which may not recur. It's left unmarked, so a later run
	// scores it.
	Deferred bool `json:"deferred,omitempty"`
}

// CollectionReport summarizes a scoring run
type CollectionReport struct {
	QuestID string `json:"quest_id"`
	GameID  GameID `json:"game_id"`

	// Fetched is the number of non-bot messages found in the window
	Fetched int `json:"fetched"`

	// Skipped messages were already processed by an earlier run
	Skipped  int                `json:"skipped"`
	Awarded  int                `json:"awarded"`
	Rejected int                `json:"rejected"`
	Deferred int                `json:"deferred"`
	Points   map[string]int     `json:"points"`
	Results  []SubmissionResult `json:"results"`
}

// SubmissionCollector scores the messages posted in a quest channel
// during a quest's window. Each message is scored at most once, and
// each author scores at most once per quest.
type SubmissionCollector struct {
	gateway       MessageGateway
	registry      *Registry
	ledger        *FactionLedger
	ocr           OCRRecognizer
	images        ImageFetcher
	logger        *slog.Logger
	metrics       *Metrics
	maxConcurrent int
}

func NewSubmissionCollector(
	gateway MessageGateway,
	registry *Registry,
	ledger *FactionLedger,
	ocr OCRRecognizer,
	images ImageFetcher,
	logger *slog.Logger,
	metrics *Metrics,
	maxConcurrent int,
) *SubmissionCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &SubmissionCollector{
		gateway:       gateway,
		registry:      registry,
		ledger:        ledger,
		ocr:           ocr,
		images:        images,
		logger:        logger.With(loggerNameKey, "collector"),
		metrics:       metrics,
		maxConcurrent: maxConcurrent,
	}
}

// Collect scores every unprocessed submission for the quest.
//
// Authors are processed concurrently, and each author's submissions in
// the order they were posted. A submission which can't be scored is
// marked and skipped without affecting the rest of the batch. One which
// failed on a discord, database or OCR availability error is left
// unmarked and counted as deferred. An error is returned
// if the quest's game is unknown, if submissions couldn't be fetched,
// or if ctx is cancelled.
func (c *SubmissionCollector) Collect(
	ctx context.Context,
	gc GuildContext,
	quest Quest,
) (CollectionReport, error) {
	report := CollectionReport{
		QuestID: quest.ID,
		GameID:  quest.GameID,
		Points:  map[string]int{},
	}
	log := loggerFromContext(ctx, c.logger).With(
		"guild_id", quest.GuildID,
		"quest_id", quest.ID,
		"game_id", quest.GameID,
	)
	ctx = WithLogger(ctx, log)

	extractor, err := c.registry.Lookup(quest.GameID)
	if err != nil {
		log.ErrorContext(ctx, "unable to score quest", tint.Err(err))
		return report, err
	}

	channelID := quest.ChannelID
	if channelID == "" {
		channelID = gc.Config.QuestChannelID
	}
	messages, err := c.gateway.FetchMessages(
		ctx,
		channelID,
		quest.AnnouncedAt,
		quest.ScoringDeadline,
	)
	if err != nil {
		return report, fmt.Errorf("error fetching submissions: %w", err)
	}

	var submissions []Submission
	for _, m := range messages {
		if m.AuthorIsBot || m.MessageID == quest.AnnouncementMessageID {
			continue
		}
		if m.PostedAt.Before(quest.AnnouncedAt) || !m.PostedAt.Before(quest.ScoringDeadline) {
			continue
		}
		m.GuildID = quest.GuildID
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		submissions = append(submissions, m)
	}
	report.Fetched = len(submissions)

	ids := make([]string, 0, len(submissions))
	for _, s := range submissions {
		ids = append(ids, s.MessageID)
	}
	processed, err := c.ledger.processedMessages(ctx, quest.GuildID, ids)
	if err != nil {
		return report, fmt.Errorf("error loading processed submissions: %w", err)
	}
	awarded, err := c.ledger.awardedAuthors(ctx, quest.GuildID, quest.ID)
	if err != nil {
		return report, fmt.Errorf("error loading awarded authors: %w", err)
	}
	factions, err := c.ledger.Totals(ctx, quest.GuildID)
	if err != nil {
		return report, fmt.Errorf("error loading factions: %w", err)
	}
	sort.Slice(factions, func(i, j int) bool { return factions[i].Name < factions[j].Name })
	if len(factions) == 0 {
		log.WarnContext(ctx, "guild has no factions, submissions can't be awarded")
	}

	byAuthor := map[string][]Submission{}
	var authors []string
	sort.SliceStable(
		submissions, func(i, j int) bool {
			return submissions[i].PostedAt.Before(submissions[j].PostedAt)
		},
	)
	for _, s := range submissions {
		if processed[s.MessageID] {
			report.Skipped++
			continue
		}
		if _, ok := byAuthor[s.AuthorID]; !ok {
			authors = append(authors, s.AuthorID)
		}
		byAuthor[s.AuthorID] = append(byAuthor[s.AuthorID], s)
	}

	var mu sync.Mutex
	record := func(r SubmissionResult) {
		mu.Lock()
		defer mu.Unlock()
		report.Results = append(report.Results, r)
		switch r.Outcome {
		case OutcomeSuccess:
			report.Awarded++
			report.Points[r.Faction] += r.Points
		default:
			if r.Deferred {
				report.Deferred++
			} else {
				report.Rejected++
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(c.maxConcurrent)
	for _, author := range authors {
		subs := byAuthor[author]
		alreadyAwarded := awarded[author]
		g.Go(
			func() error {
				return c.processAuthor(ctx, gc, quest, extractor, factions, subs, alreadyAwarded, record)
			},
		)
	}
	err = g.Wait()

	log.InfoContext(
		ctx,
		"collection finished",
		"fetched", report.Fetched,
		"skipped", report.Skipped,
		"awarded", report.Awarded,
		"rejected", report.Rejected,
		"deferred", report.Deferred,
		tint.Err(err),
	)
	return report, err
}

// processAuthor scores an author's submissions in order. Once one
// succeeds, the rest are rejected. Once one is deferred, so are the
// rest, so a later run still scores them in order.
func (c *SubmissionCollector) processAuthor(
	ctx context.Context,
	gc GuildContext,
	quest Quest,
	extractor ScoreExtractor,
	factions []Faction,
	subs []Submission,
	alreadyAwarded bool,
	record func(SubmissionResult),
) error {
	scored := alreadyAwarded
	deferred := false
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if scored {
			record(c.reject(ctx, quest, sub, ErrAlreadyProcessed.Error()))
			continue
		}
		if deferred {
			record(
				SubmissionResult{
					MessageID: sub.MessageID,
					AuthorID:  sub.AuthorID,
					Outcome:   OutcomeFailure,
					Reason:    "an earlier submission was deferred",
					Deferred:  true,
				},
			)
			continue
		}
		result, err := c.processSubmission(ctx, gc, quest, extractor, factions, sub)
		if err != nil {
			return err
		}
		record(result)
		switch {
		case result.Outcome == OutcomeSuccess:
			scored = true
		case result.Deferred:
			deferred = true
		}
	}
	return nil
}

// processSubmission scores and awards a single submission. The only
// error returned is a context error, in which case nothing is marked.
func (c *SubmissionCollector) processSubmission(
	ctx context.Context,
	gc GuildContext,
	quest Quest,
	extractor ScoreExtractor,
	factions []Faction,
	sub Submission,
) (SubmissionResult, error) {
	log := loggerFromContext(ctx, c.logger).With("submission", sub)

	points, err := c.score(ctx, gc, extractor, sub)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SubmissionResult{}, ctxErr
		}
		log.InfoContext(ctx, "submission not scored", tint.Err(err))
		return c.fail(ctx, quest, sub, err), nil
	}

	faction, err := c.factionFor(ctx, quest.GuildID, sub.AuthorID, factions)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SubmissionResult{}, ctxErr
		}
		log.InfoContext(ctx, "no faction for submission author", tint.Err(err))
		return c.fail(ctx, quest, sub, err), nil
	}

	entry, err := c.ledger.Award(
		ctx,
		AwardRequest{
			GuildID:      quest.GuildID,
			FactionName:  faction.Name,
			Points:       points,
			SubmissionID: sub.MessageID,
			ChannelID:    sub.ChannelID,
			AuthorID:     sub.AuthorID,
			QuestID:      quest.ID,
			GameID:       quest.GameID,
		},
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SubmissionResult{}, ctxErr
		}
		log.WarnContext(ctx, "unable to award submission", tint.Err(err))
		return c.fail(ctx, quest, sub, err), nil
	}

	if markErr := c.gateway.MarkMessage(
		ctx,
		sub.ChannelID,
		sub.MessageID,
		OutcomeSuccess,
	); markErr != nil {
		log.ErrorContext(ctx, "error marking submission", tint.Err(markErr))
	}
	c.metrics.submission(OutcomeSuccess)

	return SubmissionResult{
		MessageID: sub.MessageID,
		AuthorID:  sub.AuthorID,
		Outcome:   OutcomeSuccess,
		Points:    entry.Points,
		Faction:   entry.FactionName,
	}, nil
}

// score resolves the submission's input (OCR or image download, for
// image-based games) and runs the extractor
func (c *SubmissionCollector) score(
	ctx context.Context,
	gc GuildContext,
	extractor ScoreExtractor,
	sub Submission,
) (int, error) {
	var in ExtractionInput

	switch extractor.Source() {
	case SourceOCR, SourceImage:
		if n := len(sub.AttachmentURLs); n != 1 {
			return 0, fmt.Errorf(
				"%w: expected exactly one attachment, got %d",
				ErrExtractionMismatch, n,
			)
		}
	}

	switch extractor.Source() {
	case SourceOCR:
		if c.ocr == nil {
			return 0, fmt.Errorf("%w: OCR is not configured", ErrConfiguration)
		}
		text, err := c.ocr.Recognize(ctx, gc.OCRAPIKey, sub.AttachmentURLs[0])
		if err != nil {
			return 0, err
		}
		in.OCRText = text
	case SourceImage:
		if c.images == nil {
			return 0, fmt.Errorf("%w: image downloads are not configured", ErrConfiguration)
		}
		img, err := c.images.FetchImage(ctx, sub.AttachmentURLs[0])
		if err != nil {
			return 0, err
		}
		in.Image = img
	}

	points, ok := extractor.Extract(sub, in)
	if !ok {
		return 0, fmt.Errorf("%w: no %s score found", ErrExtractionMismatch, extractor.Game())
	}
	return points, nil
}

// factionFor returns the first faction (by name) whose role the
// author has
func (c *SubmissionCollector) factionFor(
	ctx context.Context,
	guildID string,
	authorID string,
	factions []Faction,
) (*Faction, error) {
	for i := range factions {
		ok, err := c.gateway.HasRole(ctx, guildID, authorID, factions[i].RoleID)
		if err != nil {
			return nil, err
		}
		if ok {
			return &factions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", ErrNoFaction, authorID)
}

// permanentFailure returns true if err means the submission can never
// be scored
func permanentFailure(err error) bool {
	for _, target := range []error{
		ErrExtractionMismatch,
		ErrFatalProvider,
		ErrNoFaction,
		ErrFactionNotFound,
		ErrAlreadyProcessed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// fail rejects the submission if err is permanent. Otherwise nothing
// is marked, and the submission is reported as deferred.
func (c *SubmissionCollector) fail(
	ctx context.Context,
	quest Quest,
	sub Submission,
	err error,
) SubmissionResult {
	if permanentFailure(err) {
		return c.reject(ctx, quest, sub, err.Error())
	}
	loggerFromContext(ctx, c.logger).WarnContext(
		ctx,
		"submission deferred",
		tint.Err(err),
		"message_id", sub.MessageID,
	)
	return SubmissionResult{
		MessageID: sub.MessageID,
		AuthorID:  sub.AuthorID,
		Outcome:   OutcomeFailure,
		Reason:    err.Error(),
		Deferred:  true,
	}
}

// reject marks the submission as failed, both in discord and in the
// database
func (c *SubmissionCollector) reject(
	ctx context.Context,
	quest Quest,
	sub Submission,
	reason string,
) SubmissionResult {
	log := loggerFromContext(ctx, c.logger)
	if err := c.gateway.MarkMessage(ctx, sub.ChannelID, sub.MessageID, OutcomeFailure); err != nil {
		log.ErrorContext(ctx, "error marking submission", tint.Err(err), "message_id", sub.MessageID)
	}
	if err := c.ledger.markRejected(
		ctx,
		ProcessedSubmission{
			GuildID:   quest.GuildID,
			MessageID: sub.MessageID,
			QuestID:   quest.ID,
			AuthorID:  sub.AuthorID,
			Reason:    truncate(reason, 500),
		},
	); err != nil && !errors.Is(err, context.Canceled) {
		log.ErrorContext(ctx, "error recording rejected submission", tint.Err(err))
	}
	c.metrics.submission(OutcomeFailure)
	return SubmissionResult{
		MessageID: sub.MessageID,
		AuthorID:  sub.AuthorID,
		Outcome:   OutcomeFailure,
		Reason:    reason,
	}
}
