package quentin

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashToken(t *testing.T) {
	hash, err := HashToken("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := VerifyToken(hash, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyToken(hash, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashToken("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "expected a random salt")

	tests := map[string]string{
		"empty":       "",
		"plain text":  "correct horse battery staple",
		"bad params":  "$argon2id$v=19$m=x,t=1,p=4$c2FsdA$aGFzaA",
		"bad salt":    "$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaA",
		"bad hash":    "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$!!!",
		"extra parts": hash + "$extra",
	}
	for name, stored := range tests {
		t.Run(
			name, func(t *testing.T) {
				ok, err := VerifyToken(stored, "correct horse battery staple")
				assert.Error(t, err)
				assert.False(t, ok)
			},
		)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("hello", 0))
	assert.Equal(t, "✅✅", truncate("✅✅✅", 2))
}

func TestParseGroupedInt(t *testing.T) {
	tests := map[string]int{
		"62,500":    62500,
		"62.500":    62500,
		"1 024":     1024,
		"1'000'000": 1000000,
		"1,000,000": 1000000,
		"1.234":     1234,
		" 42 ":      42,
	}
	for input, want := range tests {
		got, err := parseGroupedInt(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := parseGroupedInt(" , ")
	assert.Error(t, err)
	_, err = parseGroupedInt(",")
	assert.Error(t, err)
	_, err = parseGroupedInt("12a")
	assert.Error(t, err)
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Port int `json:"port"`
	}
	type sample struct {
		Name     string            `json:"name"`
		Secret   string            `json:"secret" log:"[redacted]"`
		Ignored  string            `json:"-"`
		Empty    string            `json:"empty"`
		Timeout  time.Duration     `json:"timeout"`
		Level    *slog.LevelVar    `json:"level"`
		Inner    *inner            `json:"inner"`
		Missing  *inner            `json:"missing"`
		Labels   map[string]string `json:"labels"`
		Untagged bool
		private  string
	}
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	logger.Info(
		"test",
		"sample",
		structToSlogValue(
			sample{
				Name:     "quentin",
				Secret:   "hunter2",
				Ignored:  "ignored",
				Timeout:  5 * time.Second,
				Level:    level,
				Inner:    &inner{Port: 8080},
				Untagged: true,
				private:  "private",
			},
		),
	)
	out := buf.String()

	assert.Contains(t, out, `"name":"quentin"`)
	assert.Contains(t, out, `"secret":"[redacted]"`)
	assert.Contains(t, out, `"timeout":"5s"`)
	assert.Contains(t, out, `"level":"LevelVar(WARN)"`)
	assert.Contains(t, out, `"inner":{"port":8080}`)
	assert.Contains(t, out, `"Untagged":true`)
	for _, s := range []string{"hunter2", "ignored", "private", `"empty"`, `"missing"`, `"labels"`} {
		assert.NotContains(t, out, s)
	}

	assert.True(t, structToSlogValue(nil).Any() == nil)
	assert.True(t, structToSlogValue((*inner)(nil)).Any() == nil)
	assert.Equal(t, int64(3), structToSlogValue(3).Int64())
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "discord-secret-token"
	cfg.OCR.APIKey = "ocr-secret-key"

	buf := &bytes.Buffer{}
	slog.New(slog.NewJSONHandler(buf, nil)).Info("config", "config", cfg)
	out := buf.String()

	assert.NotContains(t, out, "discord-secret-token")
	assert.NotContains(t, out, "ocr-secret-key")
	assert.Contains(t, out, "[redacted]")
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, fallback, loggerFromContext(ctx, fallback))
	assert.Same(t, slog.Default(), loggerFromContext(ctx, nil))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, loggerFromContext(ctx, fallback))

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.Same(t, slog.Default(), got)
}
