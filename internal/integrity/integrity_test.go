package integrity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSRT(t *testing.T, dir, name string, cues int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < cues; i++ {
		fmt.Fprintf(&b, "%d\r\n00:00:%02d,000 --> 00:00:%02d,500\r\nline %d\r\n\r\n", i+1, i, i, i+1)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestChecker_PassesWithinRatio(t *testing.T) {
	dir := t.TempDir()
	src := writeSRT(t, dir, "a.en.srt", 100)
	tgt := writeSRT(t, dir, "a.fr.srt", 96)

	assert.True(t, Checker{Enabled: true}.Validate(src, tgt))
}

func TestChecker_FailsBelowRatio(t *testing.T) {
	dir := t.TempDir()
	src := writeSRT(t, dir, "a.en.srt", 100)
	tgt := writeSRT(t, dir, "a.fr.srt", 94)

	assert.False(t, Checker{Enabled: true}.Validate(src, tgt))
}

func TestChecker_ExactBoundaryPasses(t *testing.T) {
	dir := t.TempDir()
	src := writeSRT(t, dir, "a.en.srt", 100)
	tgt := writeSRT(t, dir, "a.fr.srt", 95)

	assert.True(t, Checker{Enabled: true}.Validate(src, tgt))
}

func TestChecker_DisabledAlwaysPasses(t *testing.T) {
	assert.True(t, Checker{}.Validate("/nope", "/nope"))
}

func TestChecker_UnreadableFilesPass(t *testing.T) {
	dir := t.TempDir()
	src := writeSRT(t, dir, "a.en.srt", 10)

	c := Checker{Enabled: true}
	assert.True(t, c.Validate(filepath.Join(dir, "missing.srt"), src))
	assert.True(t, c.Validate(src, filepath.Join(dir, "missing.srt")))
}

func TestChecker_EmptySourcePasses(t *testing.T) {
	dir := t.TempDir()
	src := writeSRT(t, dir, "a.en.srt", 0)
	tgt := writeSRT(t, dir, "a.fr.srt", 0)

	assert.True(t, Checker{Enabled: true}.Validate(src, tgt))
}