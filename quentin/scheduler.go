package quentin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	// maxScoringAttempts bounds how many times a quest is scored while
	// some of its submissions keep being deferred
	maxScoringAttempts = 3
	scoringRetryDelay  = 5 * time.Minute
)

// settingDescriptions are the names used for missing settings in
// configuration warnings
var settingDescriptions = map[string]string{
	"quest_channel_id": "quests channel id",
	"quest_role_id":    "quest role id",
	"ocr_api_key":      "OCR API key",
}

type announceResult struct {
	quest Quest
	err   error
}

type scoringResult struct {
	quest  Quest
	report CollectionReport
	err    error
}

// QuestScheduler runs the daily quest cycle for a single guild:
// announcing a quest at the configured time of day, then scoring the
// quest's submissions once its window closes.
//
// All state transitions happen on the goroutine running Run. Scoring
// runs on its own goroutine, so the announce timer is never blocked
// by it.
type QuestScheduler struct {
	guildID      string
	config       *SchedulerConfig
	store        ConfigStore
	db           DBI
	gateway      MessageGateway
	registry     *Registry
	collector    *SubmissionCollector
	ledger       *FactionLedger
	globalOCRKey string
	logger       *slog.Logger
	metrics      *Metrics

	loc            *time.Location
	announceHour   int
	announceMinute int

	now      func() time.Time
	randIntN func(n int) int
	readFile func(name string) ([]byte, error)

	forceAnnounceCh chan chan announceResult
	forceScoreCh    chan chan error
	scoringDone     chan scoringResult
	scoringWG       sync.WaitGroup

	mu              sync.RWMutex
	state           QuestState
	quest           *Quest
	nextAnnounceAt  time.Time
	pendingAnnounce bool
	scoringAttempts int
	retryAt         time.Time
	running         bool
	stopped         chan struct{}
}

// NewQuestScheduler returns a scheduler for the guild. Call Run to
// start it.
func NewQuestScheduler(
	guildID string,
	config *SchedulerConfig,
	store ConfigStore,
	db DBI,
	gateway MessageGateway,
	registry *Registry,
	collector *SubmissionCollector,
	globalOCRKey string,
	metrics *Metrics,
) (*QuestScheduler, error) {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
	}
	hour, minute, err := parseClock(config.AnnounceAt)
	if err != nil {
		return nil, fmt.Errorf("invalid announce_at %q: %w", config.AnnounceAt, err)
	}
	return &QuestScheduler{
		guildID:         guildID,
		config:          config,
		store:           store,
		db:              db,
		gateway:         gateway,
		registry:        registry,
		collector:       collector,
		ledger:          collector.ledger,
		globalOCRKey:    globalOCRKey,
		logger:          newComponentLogger(config.LogLevel, "scheduler").With("guild_id", guildID),
		metrics:         metrics,
		loc:             loc,
		announceHour:    hour,
		announceMinute:  minute,
		now:             time.Now,
		randIntN:        rand.IntN,
		readFile:        os.ReadFile,
		forceAnnounceCh: make(chan chan announceResult),
		forceScoreCh:    make(chan chan error),
		scoringDone:     make(chan scoringResult, 1),
		state:           QuestStateIdle,
		stopped:         make(chan struct{}),
	}, nil
}

// State returns the scheduler's current state
func (s *QuestScheduler) State() QuestState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentQuest returns a copy of the open quest, if any
func (s *QuestScheduler) CurrentQuest() *Quest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quest == nil {
		return nil
	}
	q := *s.quest
	return &q
}

// NextAnnouncement returns the time of the next scheduled announcement
func (s *QuestScheduler) NextAnnouncement() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextAnnounceAt
}

func (s *QuestScheduler) setState(state QuestState, quest *Quest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.quest = quest
}

// Run drives the quest cycle until ctx is cancelled. On start, any open
// quest is resumed (and scored immediately if its deadline passed).
// Run waits for in-flight scoring to exit before returning.
func (s *QuestScheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.nextAnnounceAt = nextAnnouncement(s.now(), s.loc, s.announceHour, s.announceMinute)
	s.mu.Unlock()

	defer close(s.stopped)
	defer s.scoringWG.Wait()

	ctx = WithLogger(ctx, s.logger)
	if err := s.resume(ctx); err != nil {
		s.logger.ErrorContext(ctx, "error resuming open quest", tint.Err(err))
	}
	s.logger.InfoContext(ctx, "scheduler started", "next_announcement", s.NextAnnouncement())

	for {
		timer := time.NewTimer(s.untilNextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.InfoContext(ctx, "scheduler stopping")
			return nil
		case <-timer.C:
			s.tick(ctx)
		case reply := <-s.forceAnnounceCh:
			quest, err := s.announce(ctx)
			reply <- announceResult{quest: quest, err: err}
		case reply := <-s.forceScoreCh:
			reply <- s.startScoring(ctx)
		case result := <-s.scoringDone:
			s.finishScoring(ctx, result)
		}
		timer.Stop()
	}
}

// Done is closed once Run returns
func (s *QuestScheduler) Done() <-chan struct{} {
	return s.stopped
}

// untilNextWake returns the time until the nearest of the next
// announcement and the open quest's deadline
func (s *QuestScheduler) untilNextWake() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wake := s.nextAnnounceAt
	if s.state == QuestStateCollecting && s.quest != nil {
		if due := s.scoringDueAt(); due.Before(wake) {
			wake = due
		}
	}
	d := wake.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// scoringDueAt returns when the open quest should be scored: its
// deadline, or the retry time if deferred submissions are waiting. s.mu
// must be held.
func (s *QuestScheduler) scoringDueAt() time.Time {
	if !s.retryAt.IsZero() {
		return s.retryAt
	}
	return s.quest.ScoringDeadline
}

func (s *QuestScheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.RLock()
	state := s.state
	quest := s.quest
	announceDue := !now.Before(s.nextAnnounceAt)
	var scoringDue bool
	if quest != nil {
		scoringDue = !now.Before(s.scoringDueAt())
	}
	s.mu.RUnlock()
	following := nextAnnouncement(now, s.loc, s.announceHour, s.announceMinute)

	// a due announcement also retires an open quest whose window would
	// close before the following announcement
	if state == QuestStateCollecting && quest != nil &&
		(scoringDue || announceDue && quest.ScoringDeadline.Before(following)) {
		if err := s.startScoring(ctx); err != nil {
			s.logger.ErrorContext(ctx, "error starting scoring", tint.Err(err))
		}
		state = s.State()
	}

	if !announceDue {
		return
	}

	s.mu.Lock()
	s.nextAnnounceAt = following
	s.mu.Unlock()

	switch state {
	case QuestStateIdle:
		if _, err := s.announce(ctx); err != nil {
			s.logger.WarnContext(ctx, "quest not announced", tint.Err(err))
		}
	case QuestStateScoring:
		s.logger.InfoContext(ctx, "scoring in progress, announcement deferred")
		s.mu.Lock()
		s.pendingAnnounce = true
		s.mu.Unlock()
	default:
		s.logger.WarnContext(
			ctx,
			"previous quest still open, skipping announcement",
			"state", state,
			"quest", quest,
		)
	}
}

// ForceAnnounce announces a quest immediately. The scheduler must be
// idle.
func (s *QuestScheduler) ForceAnnounce(ctx context.Context) (Quest, error) {
	reply := make(chan announceResult, 1)
	select {
	case s.forceAnnounceCh <- reply:
	case <-s.stopped:
		return Quest{}, ErrSchedulerNotFound
	case <-ctx.Done():
		return Quest{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.quest, r.err
	case <-ctx.Done():
		return Quest{}, ctx.Err()
	}
}

// ForceScore starts scoring the open quest immediately, without
// waiting for its deadline. Scoring continues in the background.
func (s *QuestScheduler) ForceScore(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.forceScoreCh <- reply:
	case <-s.stopped:
		return ErrSchedulerNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume reloads the guild's most recent open quest
func (s *QuestScheduler) resume(ctx context.Context) error {
	var quest Quest
	err := s.db.DB().WithContext(ctx).
		Where(
			"guild_id = ? AND state IN ?",
			s.guildID,
			[]QuestState{QuestStateAnnounced, QuestStateCollecting, QuestStateScoring},
		).
		Order("announced_at DESC").
		First(&quest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "resuming open quest", "quest", quest)
	quest.State = QuestStateCollecting
	s.setState(QuestStateCollecting, &quest)

	if !s.now().Before(quest.ScoringDeadline) {
		return s.startScoring(ctx)
	}
	return nil
}

// announce picks today's game and posts the announcement. Configuration
// problems are reported to the guild's notification channel.
func (s *QuestScheduler) announce(ctx context.Context) (Quest, error) {
	if state := s.State(); state != QuestStateIdle {
		return Quest{}, fmt.Errorf("%w: can't announce while %s", ErrInvalidState, state)
	}

	cfg, err := s.store.Get(ctx, s.guildID)
	if err != nil {
		return Quest{}, err
	}
	if !cfg.Enabled {
		return Quest{}, fmt.Errorf("%w: quests are disabled for guild %s", ErrInvalidState, s.guildID)
	}

	if missing := cfg.missingSettings(false); len(missing) > 0 {
		cfgErr := &ConfigurationError{GuildID: s.guildID, Missing: missing}
		s.notifyConfiguration(ctx, cfg, cfgErr)
		return Quest{}, cfgErr
	}

	now := s.now()
	day := now.In(s.loc).Weekday()
	candidates := cfg.CandidatesFor(day)
	if len(candidates) == 0 {
		s.logger.WarnContext(ctx, "no games configured for today", "weekday", day)
		return Quest{}, fmt.Errorf("%w: %s", ErrNoGameCandidates, day)
	}
	game := candidates[s.randIntN(len(candidates))]

	extractor, err := s.registry.Lookup(game)
	if err != nil {
		return Quest{}, err
	}

	gc := newGuildContext(cfg, s.globalOCRKey)
	if extractor.Source() == SourceOCR && gc.OCRAPIKey == "" {
		cfgErr := &ConfigurationError{GuildID: s.guildID, Missing: cfg.missingSettings(true)}
		s.notifyConfiguration(ctx, cfg, cfgErr)
		return Quest{}, cfgErr
	}

	content := fmt.Sprintf(
		"<@&%s> Today's quest is **%s**!\n\n%s",
		cfg.QuestRoleID,
		extractor.Game(),
		s.description(ctx, cfg, game),
	)
	messageID, err := s.gateway.PostMessage(ctx, cfg.QuestChannelID, content)
	if err != nil {
		return Quest{}, fmt.Errorf("error posting announcement: %w", err)
	}

	quest := Quest{
		ID:                    uuid.NewString(),
		GuildID:               s.guildID,
		GameID:                game,
		ChannelID:             cfg.QuestChannelID,
		State:                 QuestStateAnnounced,
		AnnouncedAt:           now,
		ScoringDeadline:       now.Add(s.config.Window),
		AnnouncementMessageID: messageID,
	}
	s.setState(QuestStateAnnounced, &quest)

	quest.State = QuestStateCollecting
	if _, err = s.db.Create(ctx, &quest); err != nil {
		s.setState(QuestStateIdle, nil)
		return Quest{}, fmt.Errorf("error saving quest: %w", err)
	}
	s.setState(QuestStateCollecting, &quest)
	s.metrics.questAnnounced(game)

	s.logger.InfoContext(ctx, "quest announced", "quest", quest)
	return quest, nil
}

// description returns the game's inline description, else the contents
// of its description file, else the default description
func (s *QuestScheduler) description(ctx context.Context, cfg GuildConfig, game GameID) string {
	text, location := cfg.description(game)
	if text != "" {
		return strings.TrimSpace(text)
	}
	if location != "" {
		data, err := s.readFile(location)
		switch {
		case err != nil:
			s.logger.WarnContext(
				ctx,
				"error reading game description",
				tint.Err(err),
				"game_id", game,
				"location", location,
			)
		case strings.TrimSpace(string(data)) != "":
			return strings.TrimSpace(string(data))
		}
	}
	return s.config.DefaultDescription
}

func (s *QuestScheduler) notifyConfiguration(
	ctx context.Context,
	cfg GuildConfig,
	cfgErr *ConfigurationError,
) {
	s.logger.WarnContext(ctx, "guild is missing quest settings", tint.Err(cfgErr))
	if cfg.NotificationChannelID == "" {
		return
	}
	names := make([]string, 0, len(cfgErr.Missing))
	for _, m := range cfgErr.Missing {
		if d, ok := settingDescriptions[m]; ok {
			names = append(names, d)
		} else {
			names = append(names, m)
		}
	}
	msg := fmt.Sprintf("Please set the %s.", strings.Join(names, ", "))
	if _, err := s.gateway.PostMessage(ctx, cfg.NotificationChannelID, msg); err != nil {
		s.logger.ErrorContext(ctx, "error sending configuration warning", tint.Err(err))
	}
}

// startScoring moves the open quest to SCORING and starts the
// collector in the background
func (s *QuestScheduler) startScoring(ctx context.Context) error {
	s.mu.Lock()
	if s.state != QuestStateCollecting || s.quest == nil {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: can't score while %s", ErrInvalidState, state)
	}
	s.state = QuestStateScoring
	s.quest.State = QuestStateScoring
	s.scoringAttempts++
	s.retryAt = time.Time{}
	quest := *s.quest
	s.mu.Unlock()

	if _, err := s.db.Updates(ctx, &Quest{ID: quest.ID}, map[string]any{"state": QuestStateScoring}); err != nil {
		s.logger.ErrorContext(ctx, "error updating quest state", tint.Err(err))
	}

	cfg, err := s.store.Get(ctx, s.guildID)
	if err != nil {
		s.logger.WarnContext(ctx, "error loading guild config for scoring", tint.Err(err))
		cfg = GuildConfig{GuildID: s.guildID, QuestChannelID: quest.ChannelID}
	}
	gc := newGuildContext(cfg, s.globalOCRKey)

	s.logger.InfoContext(ctx, "scoring quest", "quest", quest)
	s.scoringWG.Add(1)
	go func() {
		defer s.scoringWG.Done()
		report, collectErr := s.collector.Collect(ctx, gc, quest)
		select {
		case s.scoringDone <- scoringResult{quest: quest, report: report, err: collectErr}:
		case <-ctx.Done():
		}
	}()
	return nil
}

// finishScoring posts the results and retires the quest. If scoring
// was interrupted by shutdown, the quest is left open so it's resumed
// on the next start.
func (s *QuestScheduler) finishScoring(ctx context.Context, result scoringResult) {
	if result.err != nil && ctx.Err() != nil {
		s.logger.WarnContext(ctx, "scoring interrupted", tint.Err(result.err))
		return
	}

	quest := result.quest
	if result.err != nil {
		s.logger.ErrorContext(ctx, "scoring failed", tint.Err(result.err), "quest", quest)
		quest.Error = result.err.Error()
	} else if s.retryDeferred(ctx, quest, result.report) {
		return
	}

	summary := s.summary(ctx, quest, result.report, result.err)
	if _, err := s.gateway.PostMessage(ctx, quest.ChannelID, summary); err != nil {
		s.logger.ErrorContext(ctx, "error posting quest results", tint.Err(err))
	}

	scoredAt := s.now()
	quest.State = QuestStateRetired
	quest.ScoredAt = &scoredAt
	quest.Awarded = result.report.Awarded
	quest.Rejected = result.report.Rejected
	if _, err := s.db.Save(ctx, &quest); err != nil {
		s.logger.ErrorContext(ctx, "error retiring quest", tint.Err(err))
	}

	s.mu.Lock()
	s.state = QuestStateIdle
	s.quest = nil
	s.scoringAttempts = 0
	s.retryAt = time.Time{}
	pending := s.pendingAnnounce
	s.pendingAnnounce = false
	s.mu.Unlock()

	s.logger.InfoContext(
		ctx,
		"quest retired",
		"quest_id", quest.ID,
		"awarded", quest.Awarded,
		"rejected", quest.Rejected,
	)

	if pending {
		if _, err := s.announce(ctx); err != nil {
			s.logger.WarnContext(ctx, "deferred announcement failed", tint.Err(err))
		}
	}
}

// retryDeferred puts the quest back into COLLECTING, to be scored again
// after scoringRetryDelay, if the report has deferred submissions. It
// returns false once maxScoringAttempts is reached, or if an
// announcement is waiting.
func (s *QuestScheduler) retryDeferred(ctx context.Context, quest Quest, report CollectionReport) bool {
	if report.Deferred == 0 {
		return false
	}
	s.mu.Lock()
	if s.pendingAnnounce || s.scoringAttempts >= maxScoringAttempts {
		attempts := s.scoringAttempts
		s.mu.Unlock()
		s.logger.WarnContext(
			ctx,
			"retiring quest with deferred submissions",
			"quest_id", quest.ID,
			"deferred", report.Deferred,
			"attempts", attempts,
		)
		return false
	}
	retryAt := s.now().Add(scoringRetryDelay)
	quest.State = QuestStateCollecting
	s.state = QuestStateCollecting
	s.quest = &quest
	s.retryAt = retryAt
	attempts := s.scoringAttempts
	s.mu.Unlock()

	if _, err := s.db.Updates(ctx, &Quest{ID: quest.ID}, map[string]any{"state": QuestStateCollecting}); err != nil {
		s.logger.ErrorContext(ctx, "error updating quest state", tint.Err(err))
	}
	s.logger.WarnContext(
		ctx,
		"some submissions couldn't be checked, scoring again later",
		"quest_id", quest.ID,
		"deferred", report.Deferred,
		"attempts", attempts,
		"retry_at", retryAt,
	)
	return true
}

// summary formats the results message for a scored quest
func (s *QuestScheduler) summary(
	ctx context.Context,
	quest Quest,
	report CollectionReport,
	scoringErr error,
) string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "**Quest results: %s**\n", quest.GameID)

	if scoringErr != nil {
		b.WriteString("Scoring couldn't be completed for this quest.")
		return b.String()
	}
	if report.Awarded == 0 {
		b.WriteString("No submissions were scored for this quest.")
		if report.Deferred > 0 {
			_, _ = fmt.Fprintf(&b, "\n%d submission(s) couldn't be checked.", report.Deferred)
		}
		return b.String()
	}

	factions := make([]string, 0, len(report.Points))
	for name := range report.Points {
		factions = append(factions, name)
	}
	sort.Slice(
		factions, func(i, j int) bool {
			pi, pj := report.Points[factions[i]], report.Points[factions[j]]
			if pi != pj {
				return pi > pj
			}
			return factions[i] < factions[j]
		},
	)
	for _, name := range factions {
		_, _ = fmt.Fprintf(&b, "%s: +%d\n", name, report.Points[name])
	}
	_, _ = fmt.Fprintf(
		&b,
		"%d submission(s) scored, %d rejected.\n",
		report.Awarded,
		report.Rejected,
	)
	if report.Deferred > 0 {
		_, _ = fmt.Fprintf(&b, "%d submission(s) couldn't be checked.\n", report.Deferred)
	}

	totals, err := s.ledger.Totals(ctx, quest.GuildID)
	if err != nil {
		s.logger.ErrorContext(ctx, "error loading standings", tint.Err(err))
		return b.String()
	}
	if len(totals) > 0 {
		b.WriteString("\n**Standings**\n")
		for i, f := range totals {
			_, _ = fmt.Fprintf(&b, "%d. %s: %d\n", i+1, f.Name, f.TotalPoints)
		}
	}
	return b.String()
}
