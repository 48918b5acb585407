package quentin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is returned when a guild is missing settings
	// required to run a quest cycle (channel, role, OCR key, etc.)
	ErrConfiguration = errors.New("configuration error")

	// ErrExtractionMismatch indicates a submission didn't match the
	// active game's pattern, or had the wrong number of attachments.
	ErrExtractionMismatch = errors.New("submission did not match game pattern")

	// ErrTransientProvider is a retryable OCR failure (network error,
	// rate limit, 5xx)
	ErrTransientProvider = errors.New("transient OCR provider error")

	// ErrProviderOutage is returned when the OCR status page reports the
	// provider as fully down
	ErrProviderOutage = errors.New("OCR provider outage")

	// ErrFatalProvider is a non-retryable OCR failure (bad key, malformed
	// response), or the result of exhausting retries
	ErrFatalProvider = errors.New("fatal OCR provider error")

	// ErrMaxRetriesExceeded is returned once every OCR attempt failed
	ErrMaxRetriesExceeded = fmt.Errorf("max retries exceeded: %w", ErrFatalProvider)

	// ErrLedgerConflict means a faction total no longer matches the sum
	// of its log entries. This should never happen.
	ErrLedgerConflict = errors.New("ledger conflict")

	ErrUnknownGame       = errors.New("unknown game")
	ErrAlreadyProcessed  = errors.New("submission already processed")
	ErrNoGameCandidates  = errors.New("no game candidates for today")
	ErrNoFaction         = errors.New("author is not in any faction")
	ErrFactionExists     = errors.New("faction already exists")
	ErrFactionNotFound   = errors.New("faction not found")
	ErrInvalidState      = errors.New("invalid quest state")
	ErrGuildNotFound     = errors.New("guild not found")
	ErrSchedulerNotFound = errors.New("no scheduler running for guild")
)

// ConfigurationError lists the guild settings that need to be set
// before a quest can be announced.
type ConfigurationError struct {
	GuildID string
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf(
		"guild %s is missing required settings: %s",
		e.GuildID,
		strings.Join(e.Missing, ", "),
	)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// UnknownGameError is returned when no extractor matches a game ID
type UnknownGameError struct {
	GameID GameID
}

func (e *UnknownGameError) Error() string {
	return fmt.Sprintf("unknown game type: %q", e.GameID)
}

func (e *UnknownGameError) Unwrap() error {
	return ErrUnknownGame
}
