package quentin

import (
	"log/slog"
	"strings"
	"time"
)

// GameID identifies a mini-game, ex: "wordle", "2048", "Dinosaur Game"
type GameID string

// QuestState is the state of a guild's quest cycle
type QuestState string

const (
	QuestStateIdle       QuestState = "idle"
	QuestStateAnnounced  QuestState = "announced"
	QuestStateCollecting QuestState = "collecting"
	QuestStateScoring    QuestState = "scoring"

	// QuestStateRetired is only persisted, for quests which have been
	// scored (or aborted). A guild with no open quest is idle.
	QuestStateRetired QuestState = "retired"
)

// Quest is a single day's challenge. Only one quest per guild is open
// (not retired) at a time.
type Quest struct {
	ID string `gorm:"primaryKey" json:"id"`
	ModelUnixTime
	GuildID               string     `gorm:"index;not null" json:"guild_id"`
	GameID                GameID     `gorm:"not null" json:"game_id"`
	ChannelID             string     `json:"channel_id"`
	State                 QuestState `gorm:"index;not null" json:"state"`
	AnnouncedAt           time.Time  `json:"announced_at"`
	ScoringDeadline       time.Time  `json:"scoring_deadline"`
	AnnouncementMessageID string     `json:"announcement_message_id,omitempty"`
	ScoredAt              *time.Time `json:"scored_at,omitempty"`
	Awarded               int        `json:"awarded"`
	Rejected              int        `json:"rejected"`
	Error                 string     `json:"error,omitempty"`
}

func (q Quest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", q.ID),
		slog.String("guild_id", q.GuildID),
		slog.String("game_id", string(q.GameID)),
		slog.String("state", string(q.State)),
		slog.Time("announced_at", q.AnnouncedAt),
		slog.Time("scoring_deadline", q.ScoringDeadline),
	)
}

// Submission is a snapshot of a message posted in a quest channel
type Submission struct {
	GuildID        string    `json:"guild_id"`
	AuthorID       string    `json:"author_id"`
	AuthorIsBot    bool      `json:"author_is_bot"`
	ChannelID      string    `json:"channel_id"`
	MessageID      string    `json:"message_id"`
	Text           string    `json:"text"`
	AttachmentURLs []string  `json:"attachment_urls"`
	PostedAt       time.Time `json:"posted_at"`
}

func (s Submission) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", s.MessageID),
		slog.String("author_id", s.AuthorID),
		slog.String("channel_id", s.ChannelID),
		slog.Int("attachments", len(s.AttachmentURLs)),
		slog.Time("posted_at", s.PostedAt),
		slog.String("text", truncate(s.Text, 100)),
	)
}

// ScoreResult is the points awarded for a single submission
type ScoreResult struct {
	SubmissionID string `json:"submission_id"`
	Points       int    `json:"points"`
	GameID       GameID `json:"game_id"`
}

// MessageOutcome is the visible marker placed on a submission
type MessageOutcome string

const (
	OutcomeSuccess MessageOutcome = "success"
	OutcomeFailure MessageOutcome = "failure"
)

// Emoji returns the reaction used to mark a message with this outcome
func (o MessageOutcome) Emoji() string {
	if o == OutcomeSuccess {
		return "✅"
	}
	return "❌"
}

// ProcessedSubmission marks a message as already scored (or rejected),
// so it's never scored twice.
type ProcessedSubmission struct {
	GuildID     string         `gorm:"primaryKey" json:"guild_id"`
	MessageID   string         `gorm:"primaryKey" json:"message_id"`
	QuestID     string         `gorm:"index" json:"quest_id"`
	AuthorID    string         `json:"author_id"`
	Outcome     MessageOutcome `json:"outcome"`
	Reason      string         `json:"reason,omitempty"`
	Points      int            `json:"points"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// parseClock parses "HH:MM" into hour and minute
func parseClock(s string) (hour int, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// nextAnnouncement returns the first hour:minute in loc strictly after now
func nextAnnouncement(now time.Time, loc *time.Location, hour, minute int) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next
}
