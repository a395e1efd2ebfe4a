package capture

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicboard/internal/config"
	appLog "clinicboard/internal/log"
)

func init() {
	appLog.SetOutput(io.Discard)
}

func TestBoardPNGValidatesOptions(t *testing.T) {
	err := BoardPNG(context.Background(), Options{OutputPath: "x.png"})
	assert.ErrorContains(t, err, "URL is required")

	err = BoardPNG(context.Background(), Options{URL: "http://127.0.0.1:8080/tv.html"})
	assert.ErrorContains(t, err, "OutputPath is required")
}

func TestDefaultURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080/tv.html", DefaultURL("127.0.0.1:8080"))
	assert.Equal(t, "http://127.0.0.1:9000/tv.html", DefaultURL(":9000"))
	assert.Equal(t, "http://127.0.0.1:80/tv.html", DefaultURL("0.0.0.0:80"))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Normalize()
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "http://127.0.0.1:8080/tv.html", opts.URL)
	assert.Equal(t, config.DefaultPreviewPath, opts.OutputPath)

	cfg.Capture.URL = "http://board.local/tv.html"
	cfg.Capture.Width = 1280
	opts = OptionsFromConfig(cfg)
	assert.Equal(t, "http://board.local/tv.html", opts.URL)
	assert.Equal(t, 1280, opts.Width)
}

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "preview.png")
	require.NoError(t, writeAtomic(path, []byte("one")))
	require.NoError(t, writeAtomic(path, []byte("two")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRunCapturesOnSchedule(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "@every 1s", Options{URL: "http://x/tv.html", OutputPath: "p.png"},
			func(context.Context, Options) error {
				calls.Add(1)
				return nil
			})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRunRejectsBadSpec(t *testing.T) {
	err := Run(context.Background(), "sometimes", Options{URL: "http://x", OutputPath: "p.png"}, nil)
	assert.Error(t, err)
}
