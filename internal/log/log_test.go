package log

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel(" DEBUG "))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestLevelFiltersAndErrorKey(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	SetLevel(LevelWarn)
	Info("cycle started", "seq", 1)
	assert.Empty(t, buf.String())

	Error("fetch failed", errors.New("boom"), "calendar", "sala")
	assert.Contains(t, buf.String(), "fetch failed")
	assert.Contains(t, buf.String(), "err=boom")
	assert.Contains(t, buf.String(), "calendar=sala")

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("cycle discarded", "seq", 2)
	assert.Contains(t, buf.String(), "seq=2")
}
