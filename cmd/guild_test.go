package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arcward/quentin/quentin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
guild_id: "123456"
enabled: true
quest_channel_id: "222"
quest_role_id: "333"
notification_channel_id: "444"
games_by_day:
  monday: ["Wordle", "2048"]
  "*": ["Globle"]
descriptions:
  Wordle: Guess the five letter word in six tries.
factions:
  - name: Red
    role_id: "901"
  - name: Blue
    role_id: "902"
`

func TestGuildImportCommand(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "guild.db")
	catalogPath := filepath.Join(tmpDir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o644))

	t.Setenv("QUENTIN_DATABASE_TYPE", "sqlite")
	t.Setenv("QUENTIN_DATABASE", dbPath)

	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(func() { rootCmd.SetOut(currentOut) })
	var out bytes.Buffer
	rootCmd.SetOut(&out)

	rootCmd.SetArgs([]string{"guild", "import", catalogPath})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.Contains(t, output, "Imported settings for guild 123456")
	assert.Contains(t, output, "Created faction: Red")
	assert.Contains(t, output, "Created faction: Blue")

	ctx := context.Background()
	db, err := quentin.CreateDB(ctx, "sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	writeDB := quentin.NewDatabase(db, nil, false)
	guildCfg, err := quentin.NewConfigStore(writeDB).Get(ctx, "123456")
	require.NoError(t, err)
	assert.True(t, guildCfg.Enabled)
	assert.Equal(t, "222", guildCfg.QuestChannelID)
	assert.Equal(t, []quentin.GameID{"Wordle", "2048"}, guildCfg.GamesByDay["monday"])

	factions, err := quentin.NewFactionLedger(writeDB, nil, nil).Totals(ctx, "123456")
	require.NoError(t, err)
	require.Len(t, factions, 2)
	assert.Equal(t, "Blue", factions[0].Name)
	assert.Equal(t, "Red", factions[1].Name)

	// importing again keeps existing factions
	out.Reset()
	rootCmd.SetArgs([]string{"guild", "import", catalogPath})
	require.NoError(t, rootCmd.Execute())
	assert.NotContains(t, out.String(), "Created faction")
}

func TestGuildImportRejectsUnknownGames(t *testing.T) {
	tmpDir := t.TempDir()
	catalogPath := filepath.Join(tmpDir, "catalog.yaml")
	catalog := "guild_id: \"1\"\ngames_by_day:\n  monday: [\"Minesweeper\"]\n"
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalog), 0o644))

	t.Setenv("QUENTIN_DATABASE_TYPE", "sqlite")
	t.Setenv("QUENTIN_DATABASE", filepath.Join(tmpDir, "guild.db"))

	rootCmd.SetArgs([]string{"guild", "import", catalogPath})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, quentin.ErrUnknownGame)
}
