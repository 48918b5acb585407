package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/arcward/quentin/quentin"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := quentin.Version
	originalCommitSHA := quentin.CommitSHA
	originalBuildTime := quentin.BuildTime

	t.Cleanup(
		func() {
			quentin.Version = originalVersion
			quentin.CommitSHA = originalCommitSHA
			quentin.BuildTime = originalBuildTime
		},
	)

	quentin.Version = "1.0.0"
	quentin.CommitSHA = "abc123"
	quentin.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)
	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		quentin.Version,
		quentin.CommitSHA,
		quentin.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
