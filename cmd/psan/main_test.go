package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/model"
)

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestReviewWorkflow(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	config := "database:\n  path: " + filepath.Join(dir, "psan.db") + "\n" +
		"data:\n  folder: " + filepath.Join(dir, "documents") + "\n" +
		"logging:\n  level: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0600))

	input := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(input, []byte("We met John Smith in the park.\n"), 0600))

	out, err := run(t, "--config", configPath, "submit", "--process", input)
	require.NoError(t, err)
	assert.Contains(t, out, "Submitted document 1")

	out, err = run(t, "--config", configPath, "decisions", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "(2,3)")
	assert.Contains(t, out, "UNDECIDED")

	out, err = run(t, "--config", configPath, "decide", "1", "2-3", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Candidate rule: John Smith")
	assert.Contains(t, out, "Corpus re-annotation queued")

	out, err = run(t, "--config", configPath, "generate", "1")
	require.NoError(t, err)
	assert.Equal(t, "We met [REDACTED] in the park.\n", out)

	out, err = run(t, "--config", configPath, "rules", "export")
	require.NoError(t, err)
	assert.Contains(t, out, "WORD_TYPE,John=Smith,0,")
	assert.Contains(t, out, "NE_TYPE,re,0,")

	_, err = run(t, "--config", configPath, "submissions", "done", "1")
	require.NoError(t, err)

	_, err = run(t, "--config", configPath, "decide", "1", "2-3", "PUBLIC")
	require.Error(t, err)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Interval
		wantErr bool
	}{
		{in: "5-7", want: model.Interval{Start: 5, End: 7}},
		{in: "5:7", want: model.Interval{Start: 5, End: 7}},
		{in: "4", want: model.Interval{Start: 4, End: 4}},
		{in: "7-5", wantErr: true},
		{in: "a-b", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInterval(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrInvalidInterval)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCondition(t *testing.T) {
	assert.Equal(t, []string{"New", "York"}, parseCondition([]string{"New York"}))
	assert.Equal(t, []string{"New York", "City"}, parseCondition([]string{"New York", "City"}))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", formatFileSize(512))
	assert.Equal(t, "1.5 KB", formatFileSize(1536))
	assert.Equal(t, "2.0 MB", formatFileSize(2*1024*1024))
}
