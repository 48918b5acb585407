package quentin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildConfigCandidatesFor(t *testing.T) {
	cfg := GuildConfig{
		GamesByDay: map[string][]GameID{
			"monday": {GameWordle, GameWorldle},
			"Tue":    {Game2048},
			"*":      {GameGloble},
		},
	}
	assert.Equal(t, []GameID{GameWordle, GameWorldle}, cfg.CandidatesFor(time.Monday))
	assert.Equal(t, []GameID{Game2048}, cfg.CandidatesFor(time.Tuesday))
	assert.Equal(t, []GameID{GameGloble}, cfg.CandidatesFor(time.Wednesday))
	assert.Equal(t, []GameID{GameGloble}, cfg.CandidatesFor(time.Sunday))

	delete(cfg.GamesByDay, "*")
	assert.Empty(t, cfg.CandidatesFor(time.Sunday))

	// two-letter keys are too ambiguous to match
	cfg.GamesByDay = map[string][]GameID{"tu": {Game2048}}
	assert.Empty(t, cfg.CandidatesFor(time.Tuesday))

	assert.Empty(t, GuildConfig{}.CandidatesFor(time.Friday))
}

func TestGuildConfigMissingSettings(t *testing.T) {
	cfg := testGuildConfig(GameWordle)
	assert.Empty(t, cfg.missingSettings(false))
	assert.Equal(t, []string{"ocr_api_key"}, cfg.missingSettings(true))

	cfg.OCRAPIKey = "key"
	assert.Empty(t, cfg.missingSettings(true))

	cfg.QuestChannelID = ""
	cfg.QuestRoleID = ""
	assert.Equal(t, []string{"quest_channel_id", "quest_role_id"}, cfg.missingSettings(true))
}

func TestGuildConfigLogValueRedactsKey(t *testing.T) {
	cfg := testGuildConfig(GameWordle)
	cfg.OCRAPIKey = "super-secret-key"
	value := cfg.LogValue().String()
	assert.NotContains(t, value, "super-secret-key")
	assert.Contains(t, value, "[redacted]")
	assert.Contains(t, value, testQuestChannelID)
}

func TestConfigStore(t *testing.T) {
	store := NewConfigStore(testDB(t))
	ctx := context.Background()

	_, err := store.Get(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrGuildNotFound)

	assert.Error(t, store.Set(ctx, GuildConfig{}))

	cfg := testGuildConfig(GameWordle, GameGloble)
	cfg.DescriptionLocations = map[GameID]string{GameWordle: "/games/wordle.md"}
	require.NoError(t, store.Set(ctx, cfg))

	got, err := store.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, cfg.GamesByDay, got.GamesByDay)
	assert.Equal(t, cfg.DescriptionLocations, got.DescriptionLocations)

	cfg.Enabled = false
	cfg.QuestRoleID = "300000000000000002"
	require.NoError(t, store.Set(ctx, cfg))
	got, err = store.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "300000000000000002", got.QuestRoleID)

	other := testGuildConfig(GameWordle)
	other.GuildID = "000000000000000001"
	require.NoError(t, store.Set(ctx, other))

	configs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, other.GuildID, configs[0].GuildID)
	assert.Equal(t, testGuildID, configs[1].GuildID)
}

const testCatalogYAML = `
guild_id: "100000000000000001"
enabled: true
quest_channel_id: "200000000000000001"
quest_role_id: "300000000000000001"
notification_channel_id: "400000000000000001"
games_by_day:
  "*": [Wordle, "Globle: Capitals"]
  monday: ["2048", Dinosaur Game]
descriptions:
  Wordle: Guess the five-letter word in six tries.
factions:
  - name: Red
    role_id: "500000000000000000"
  - name: Blue
    role_id: "500000000000000001"
`

func writeCatalog(t testing.TB, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guild.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGuildCatalog(t *testing.T) {
	catalog, err := LoadGuildCatalog(writeCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	assert.Equal(t, testGuildID, catalog.GuildID)
	assert.True(t, catalog.Enabled)
	assert.Equal(t, []GameID{Game2048, GameDinosaur}, catalog.GamesByDay["monday"])
	assert.Equal(
		t,
		"Guess the five-letter word in six tries.",
		catalog.Descriptions[GameWordle],
	)
	require.Len(t, catalog.Factions, 2)
	assert.Equal(t, CatalogFaction{Name: "Red", RoleID: testRedRoleID}, catalog.Factions[0])

	registry := DefaultRegistry()
	require.NoError(t, catalog.Validate(registry))

	db := testDB(t)
	store := NewConfigStore(db)
	ledger := NewFactionLedger(db, nil, nil)
	ctx := context.Background()

	created, err := catalog.Apply(ctx, store, ledger)
	require.NoError(t, err)
	assert.Equal(t, []string{"Red", "Blue"}, created)

	saved, err := store.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, catalog.GamesByDay, saved.GamesByDay)

	// applying again only updates settings
	created, err = catalog.Apply(ctx, store, ledger)
	require.NoError(t, err)
	assert.Empty(t, created)

	factions, err := ledger.Totals(ctx, testGuildID)
	require.NoError(t, err)
	assert.Len(t, factions, 2)
}

func TestGuildCatalogValidate(t *testing.T) {
	registry := DefaultRegistry()

	catalog := &GuildCatalog{
		GuildConfig: GuildConfig{
			GamesByDay: map[string][]GameID{
				"monday": {"Minesweeper"},
				"*":      {GameWordle},
			},
		},
		Factions: []CatalogFaction{{Name: "Red"}},
	}
	err := catalog.Validate(registry)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownGame)
	assert.Contains(t, err.Error(), "guild_id is required")
	assert.Contains(t, err.Error(), "monday")
	assert.Contains(t, err.Error(), `faction "Red"`)
}

func TestLoadGuildCatalogErrors(t *testing.T) {
	_, err := LoadGuildCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadGuildCatalog(writeCatalog(t, "games_by_day: [not, a, map"))
	assert.Error(t, err)
}
