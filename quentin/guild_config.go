package quentin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GuildConfig holds per-guild quest settings
type GuildConfig struct {
	GuildID string `gorm:"primaryKey" json:"guild_id" yaml:"guild_id"`
	ModelUnixTime
	Enabled bool `json:"enabled" yaml:"enabled"`

	// QuestChannelID is where quests are announced and submissions posted
	QuestChannelID string `json:"quest_channel_id" yaml:"quest_channel_id"`

	// QuestRoleID is mentioned in each announcement
	QuestRoleID string `json:"quest_role_id" yaml:"quest_role_id"`

	// NotificationChannelID receives configuration warnings
	NotificationChannelID string `json:"notification_channel_id" yaml:"notification_channel_id"`

	// OCRAPIKey overrides the global OCR API key for this guild
	OCRAPIKey string `json:"ocr_api_key,omitempty" yaml:"ocr_api_key" log:"[redacted]"`

	// GamesByDay maps a lowercase weekday name ("monday") to the games
	// which may be picked on that day. The key "*" applies to any day
	// without its own entry.
	GamesByDay map[string][]GameID `gorm:"serializer:json" json:"games_by_day" yaml:"games_by_day"`

	// DescriptionLocations maps a game to a file containing its
	// announcement description
	DescriptionLocations map[GameID]string `gorm:"serializer:json" json:"description_locations" yaml:"description_locations"`

	// Descriptions are inline announcement descriptions, which take
	// precedence over DescriptionLocations
	Descriptions map[GameID]string `gorm:"serializer:json" json:"descriptions" yaml:"descriptions"`
}

func (g GuildConfig) LogValue() slog.Value {
	return structToSlogValue(g)
}

// CandidatesFor returns the games configured for the given weekday
func (g GuildConfig) CandidatesFor(day time.Weekday) []GameID {
	name := strings.ToLower(day.String())
	var fallback []GameID
	for k, games := range g.GamesByDay {
		key := strings.ToLower(strings.TrimSpace(k))
		switch {
		case key == name, len(key) >= 3 && strings.HasPrefix(name, key):
			return games
		case key == "*":
			fallback = games
		}
	}
	return fallback
}

// description returns the inline description or description file
// location configured for the game, if any
func (g GuildConfig) description(game GameID) (text string, location string) {
	want := normalizeGameName(string(game))
	for k, v := range g.Descriptions {
		if normalizeGameName(string(k)) == want && strings.TrimSpace(v) != "" {
			return v, ""
		}
	}
	for k, v := range g.DescriptionLocations {
		if normalizeGameName(string(k)) == want && v != "" {
			return "", v
		}
	}
	return "", ""
}

// missingSettings returns the names of required settings that aren't
// set. ocrKeyNeeded should be true if the quest's game requires OCR and
// no global key is configured.
func (g GuildConfig) missingSettings(ocrKeyNeeded bool) []string {
	var missing []string
	if g.QuestChannelID == "" {
		missing = append(missing, "quest_channel_id")
	}
	if g.QuestRoleID == "" {
		missing = append(missing, "quest_role_id")
	}
	if ocrKeyNeeded && g.OCRAPIKey == "" {
		missing = append(missing, "ocr_api_key")
	}
	return missing
}

// ConfigStore persists per-guild settings
type ConfigStore interface {
	Get(ctx context.Context, guildID string) (GuildConfig, error)
	Set(ctx context.Context, cfg GuildConfig) error
	List(ctx context.Context) ([]GuildConfig, error)
}

type gormConfigStore struct {
	db DBI
}

// NewConfigStore returns a ConfigStore backed by the given database
func NewConfigStore(db DBI) ConfigStore {
	return &gormConfigStore{db: db}
}

func (s *gormConfigStore) Get(ctx context.Context, guildID string) (GuildConfig, error) {
	var cfg GuildConfig
	err := s.db.DB().WithContext(ctx).Where("guild_id = ?", guildID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cfg, fmt.Errorf("%w: %s", ErrGuildNotFound, guildID)
	}
	return cfg, err
}

func (s *gormConfigStore) Set(ctx context.Context, cfg GuildConfig) error {
	if cfg.GuildID == "" {
		return errors.New("guild_id is required")
	}
	return s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cfg).Error
		},
	)
}

func (s *gormConfigStore) List(ctx context.Context) ([]GuildConfig, error) {
	var configs []GuildConfig
	err := s.db.DB().WithContext(ctx).Order("guild_id").Find(&configs).Error
	return configs, err
}

// GuildCatalog is the YAML document accepted by `quentin guild import`,
// describing a guild's settings, game tables and factions
type GuildCatalog struct {
	GuildConfig `yaml:",inline"`
	Factions    []CatalogFaction `yaml:"factions"`
}

type CatalogFaction struct {
	Name   string `yaml:"name"`
	RoleID string `yaml:"role_id"`
}

// LoadGuildCatalog reads a GuildCatalog from a YAML file
func LoadGuildCatalog(path string) (*GuildCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var catalog GuildCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return &catalog, nil
}

// Validate checks that every game in the catalog is known to the registry
func (c *GuildCatalog) Validate(registry *Registry) error {
	var errs []error
	if c.GuildID == "" {
		errs = append(errs, errors.New("guild_id is required"))
	}
	days := make([]string, 0, len(c.GamesByDay))
	for day := range c.GamesByDay {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		for _, game := range c.GamesByDay[day] {
			if _, err := registry.Lookup(game); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", day, err))
			}
		}
	}
	for _, f := range c.Factions {
		if f.Name == "" || f.RoleID == "" {
			errs = append(errs, fmt.Errorf("faction %q: name and role_id are required", f.Name))
		}
	}
	return errors.Join(errs...)
}

// Apply saves the catalog's settings and creates any factions which
// don't already exist. It returns the names of created factions.
func (c *GuildCatalog) Apply(
	ctx context.Context,
	store ConfigStore,
	ledger *FactionLedger,
) ([]string, error) {
	if err := store.Set(ctx, c.GuildConfig); err != nil {
		return nil, fmt.Errorf("error saving guild config: %w", err)
	}
	var created []string
	for _, f := range c.Factions {
		_, err := ledger.CreateFaction(ctx, c.GuildID, f.Name, f.RoleID)
		switch {
		case err == nil:
			created = append(created, f.Name)
		case errors.Is(err, ErrFactionExists):
			continue
		default:
			return created, err
		}
	}
	return created, nil
}
