package quentin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerEntryKind distinguishes awards from administrative adjustments
type LedgerEntryKind string

const (
	LedgerEntryAward LedgerEntryKind = "award"

	// LedgerEntryReset entries offset a faction's total when it's reset
	LedgerEntryReset LedgerEntryKind = "reset"
)

// Faction is a team within a guild, identified by a discord role.
// TotalPoints always equals the sum of the faction's ScoreLogEntry points.
type Faction struct {
	ID uint `gorm:"primaryKey" json:"id"`
	ModelUnixTime
	GuildID     string `gorm:"not null;uniqueIndex:idx_faction_guild_name;uniqueIndex:idx_faction_guild_role" json:"guild_id"`
	Name        string `gorm:"not null;uniqueIndex:idx_faction_guild_name" json:"name"`
	RoleID      string `gorm:"not null;uniqueIndex:idx_faction_guild_role" json:"role_id"`
	TotalPoints int    `gorm:"not null;default:0" json:"total_points"`
}

func (f Faction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(f.ID)),
		slog.String("guild_id", f.GuildID),
		slog.String("name", f.Name),
		slog.String("role_id", f.RoleID),
		slog.Int("total_points", f.TotalPoints),
	)
}

// ScoreLogEntry is an append-only record of a change to a faction's
// total. Entries are retained when their faction is removed.
type ScoreLogEntry struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	GuildID      string          `gorm:"index;not null" json:"guild_id"`
	Timestamp    time.Time       `gorm:"index" json:"timestamp"`
	FactionID    uint            `gorm:"index" json:"faction_id"`
	FactionName  string          `json:"faction_name"`
	SubmissionID string          `gorm:"index" json:"submission_id,omitempty"`
	ChannelID    string          `json:"channel_id,omitempty"`
	AuthorID     string          `gorm:"index" json:"author_id,omitempty"`
	QuestID      string          `gorm:"index" json:"quest_id,omitempty"`
	GameID       GameID          `json:"game_id,omitempty"`
	Points       int             `json:"points"`
	Kind         LedgerEntryKind `gorm:"not null;default:award" json:"kind"`
}

// AwardRequest describes points earned by a single submission
type AwardRequest struct {
	GuildID     string
	FactionName string
	Points      int

	// SubmissionID is the ID of the discord message being scored
	SubmissionID string
	ChannelID    string
	AuthorID     string
	QuestID      string
	GameID       GameID
}

// FactionLedger records faction points. Writes for a guild are
// serialized, and every award is a single transaction which appends a
// log entry, increments the faction total and marks the submission as
// processed.
type FactionLedger struct {
	db      DBI
	logger  *slog.Logger
	metrics *Metrics

	mu         sync.Mutex
	guildLocks map[string]*sync.Mutex

	now func() time.Time
}

func NewFactionLedger(db DBI, logger *slog.Logger, metrics *Metrics) *FactionLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactionLedger{
		db:         db,
		logger:     logger.With(loggerNameKey, "ledger"),
		metrics:    metrics,
		guildLocks: map[string]*sync.Mutex{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// lockGuild locks the guild's write mutex, returning the unlock func
func (l *FactionLedger) lockGuild(guildID string) func() {
	l.mu.Lock()
	m, ok := l.guildLocks[guildID]
	if !ok {
		m = &sync.Mutex{}
		l.guildLocks[guildID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Award credits the faction with the request's points.
//
// Returns ErrAlreadyProcessed if the submission was already scored (or
// rejected), or if the author already scored for the quest. Returns
// ErrFactionNotFound if the faction doesn't exist. If ctx is cancelled
// before the transaction commits, nothing is written.
func (l *FactionLedger) Award(ctx context.Context, req AwardRequest) (*ScoreLogEntry, error) {
	switch {
	case req.GuildID == "":
		return nil, errors.New("guild_id is required")
	case req.FactionName == "":
		return nil, errors.New("faction name is required")
	case req.SubmissionID == "":
		return nil, errors.New("submission_id is required")
	case req.Points < 0:
		return nil, fmt.Errorf("invalid points: %d", req.Points)
	}

	defer l.lockGuild(req.GuildID)()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := loggerFromContext(ctx, l.logger)
	now := l.now()
	var entry ScoreLogEntry

	err := l.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			faction, err := findFaction(tx, req.GuildID, req.FactionName)
			if err != nil {
				return err
			}

			var count int64
			if err = tx.Model(&ProcessedSubmission{}).
				Where("guild_id = ? AND message_id = ?", req.GuildID, req.SubmissionID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: message %s", ErrAlreadyProcessed, req.SubmissionID)
			}

			if req.QuestID != "" && req.AuthorID != "" {
				if err = tx.Model(&ScoreLogEntry{}).
					Where(
						"guild_id = ? AND quest_id = ? AND author_id = ? AND kind = ?",
						req.GuildID, req.QuestID, req.AuthorID, LedgerEntryAward,
					).
					Count(&count).Error; err != nil {
					return err
				}
				if count > 0 {
					return fmt.Errorf(
						"%w: author %s already scored for quest %s",
						ErrAlreadyProcessed, req.AuthorID, req.QuestID,
					)
				}
			}

			entry = ScoreLogEntry{
				GuildID:      req.GuildID,
				Timestamp:    now,
				FactionID:    faction.ID,
				FactionName:  faction.Name,
				SubmissionID: req.SubmissionID,
				ChannelID:    req.ChannelID,
				AuthorID:     req.AuthorID,
				QuestID:      req.QuestID,
				GameID:       req.GameID,
				Points:       req.Points,
				Kind:         LedgerEntryAward,
			}
			if err = tx.Create(&entry).Error; err != nil {
				return err
			}

			if err = tx.Model(&Faction{}).
				Where("id = ?", faction.ID).
				Update("total_points", gorm.Expr("total_points + ?", req.Points)).
				Error; err != nil {
				return err
			}

			marker := ProcessedSubmission{
				GuildID:     req.GuildID,
				MessageID:   req.SubmissionID,
				QuestID:     req.QuestID,
				AuthorID:    req.AuthorID,
				Outcome:     OutcomeSuccess,
				Points:      req.Points,
				ProcessedAt: now,
			}
			if err = tx.Create(&marker).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("%w: message %s", ErrAlreadyProcessed, req.SubmissionID)
				}
				return err
			}

			// returning an error here rolls back the transaction, so a
			// cancelled award never commits
			return ctx.Err()
		},
	)
	if err != nil {
		return nil, err
	}

	l.metrics.awarded(req.GameID, req.Points)
	log.InfoContext(
		ctx,
		"points awarded",
		"faction", entry.FactionName,
		"points", entry.Points,
		"message_id", entry.SubmissionID,
		"author_id", entry.AuthorID,
	)
	return &entry, nil
}

func findFaction(tx *gorm.DB, guildID string, name string) (*Faction, error) {
	var faction Faction
	err := tx.Where("guild_id = ? AND name = ?", guildID, name).First(&faction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrFactionNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &faction, nil
}

// CreateFaction adds a faction with zero points. Returns
// ErrFactionExists if the guild already has a faction with the same
// name or role.
func (l *FactionLedger) CreateFaction(
	ctx context.Context,
	guildID string,
	name string,
	roleID string,
) (*Faction, error) {
	name = strings.TrimSpace(name)
	if guildID == "" || name == "" || roleID == "" {
		return nil, errors.New("guild_id, name and role_id are required")
	}

	defer l.lockGuild(guildID)()

	faction := &Faction{GuildID: guildID, Name: name, RoleID: roleID}
	err := l.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Faction{}).
				Where("guild_id = ? AND (name = ? OR role_id = ?)", guildID, name, roleID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: name=%q role_id=%s", ErrFactionExists, name, roleID)
			}
			return tx.Create(faction).Error
		},
	)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: name=%q role_id=%s", ErrFactionExists, name, roleID)
	}
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "created faction", "faction", faction)
	return faction, nil
}

// RemoveFaction deletes the faction. Its log entries are retained.
func (l *FactionLedger) RemoveFaction(ctx context.Context, guildID string, name string) error {
	defer l.lockGuild(guildID)()

	rows, err := l.db.Delete(ctx, &Faction{}, "guild_id = ? AND name = ?", guildID, name)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %q", ErrFactionNotFound, name)
	}
	l.logger.InfoContext(ctx, "removed faction", "guild_id", guildID, "name", name)
	return nil
}

// ResetFaction sets the faction's total to zero, appending a reset
// entry which offsets its previous total
func (l *FactionLedger) ResetFaction(
	ctx context.Context,
	guildID string,
	name string,
) (*ScoreLogEntry, error) {
	defer l.lockGuild(guildID)()

	var entry ScoreLogEntry
	err := l.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			faction, err := findFaction(tx, guildID, name)
			if err != nil {
				return err
			}
			entry = ScoreLogEntry{
				GuildID:     guildID,
				Timestamp:   l.now(),
				FactionID:   faction.ID,
				FactionName: faction.Name,
				Points:      -faction.TotalPoints,
				Kind:        LedgerEntryReset,
			}
			if err = tx.Create(&entry).Error; err != nil {
				return err
			}
			return tx.Model(&Faction{}).
				Where("id = ?", faction.ID).
				Update("total_points", 0).Error
		},
	)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(
		ctx,
		"reset faction",
		"guild_id", guildID,
		"name", name,
		"previous_total", -entry.Points,
	)
	return &entry, nil
}

// Totals returns the guild's factions, ordered by points (descending)
// then name
func (l *FactionLedger) Totals(ctx context.Context, guildID string) ([]Faction, error) {
	var factions []Faction
	err := l.db.DB().WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("total_points DESC").
		Order("name ASC").
		Find(&factions).Error
	return factions, err
}

// Verify recomputes each faction's total from the log, returning
// ErrLedgerConflict if any stored total doesn't match
func (l *FactionLedger) Verify(ctx context.Context, guildID string) error {
	factions, err := l.Totals(ctx, guildID)
	if err != nil {
		return err
	}

	var sums []struct {
		FactionID uint
		Total     int
	}
	err = l.db.DB().WithContext(ctx).
		Model(&ScoreLogEntry{}).
		Select("faction_id, COALESCE(SUM(points), 0) AS total").
		Where("guild_id = ?", guildID).
		Group("faction_id").
		Scan(&sums).Error
	if err != nil {
		return err
	}
	byFaction := make(map[uint]int, len(sums))
	for _, s := range sums {
		byFaction[s.FactionID] = s.Total
	}

	var errs []error
	for _, f := range factions {
		if logged := byFaction[f.ID]; logged != f.TotalPoints {
			errs = append(
				errs,
				fmt.Errorf(
					"%w: faction %q total=%d log=%d",
					ErrLedgerConflict, f.Name, f.TotalPoints, logged,
				),
			)
		}
	}
	return errors.Join(errs...)
}

// Log returns the guild's most recent log entries, newest first
func (l *FactionLedger) Log(ctx context.Context, guildID string, limit int) (
	[]ScoreLogEntry,
	error,
) {
	if limit <= 0 {
		limit = 100
	}
	var entries []ScoreLogEntry
	err := l.db.DB().WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// processedMessages returns the subset of messageIDs which already
// have a ProcessedSubmission marker
func (l *FactionLedger) processedMessages(
	ctx context.Context,
	guildID string,
	messageIDs []string,
) (map[string]bool, error) {
	processed := make(map[string]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return processed, nil
	}
	var ids []string
	err := l.db.DB().WithContext(ctx).
		Model(&ProcessedSubmission{}).
		Where("guild_id = ? AND message_id IN ?", guildID, messageIDs).
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		processed[id] = true
	}
	return processed, nil
}

// awardedAuthors returns the authors who've already scored for the quest
func (l *FactionLedger) awardedAuthors(
	ctx context.Context,
	guildID string,
	questID string,
) (map[string]bool, error) {
	var authors []string
	err := l.db.DB().WithContext(ctx).
		Model(&ScoreLogEntry{}).
		Where("guild_id = ? AND quest_id = ? AND kind = ?", guildID, questID, LedgerEntryAward).
		Distinct().
		Pluck("author_id", &authors).Error
	if err != nil {
		return nil, err
	}
	awarded := make(map[string]bool, len(authors))
	for _, a := range authors {
		awarded[a] = true
	}
	return awarded, nil
}

// markRejected records a failed submission so it isn't retried. An
// existing marker is left unchanged.
func (l *FactionLedger) markRejected(ctx context.Context, marker ProcessedSubmission) error {
	marker.Outcome = OutcomeFailure
	marker.Points = 0
	if marker.ProcessedAt.IsZero() {
		marker.ProcessedAt = l.now()
	}
	return l.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker).Error
		},
	)
}
