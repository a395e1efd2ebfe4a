package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/robfig/cron/v3"

	"clinicboard/internal/config"
	appLog "clinicboard/internal/log"
)

// Default capture parameters for a 1080p signage screen showing /tv.html.
const (
	DefaultWidth      = 1920
	DefaultHeight     = 1080
	DefaultTimeoutSec = 30
	DefaultPath       = "/tv.html"
)

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/tv.html".
	URL string

	// OutputPath is where the PNG screenshot will be written.
	OutputPath string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// Timeout bounds the entire capture operation. If zero,
	// DefaultTimeoutSec is used.
	Timeout time.Duration
}

// OptionsFromConfig builds capture options from the capture section,
// pointing at this server's TV page when no URL is configured.
func OptionsFromConfig(cfg *config.Config) Options {
	url := cfg.Capture.URL
	if url == "" {
		url = DefaultURL(cfg.Listen)
	}
	return Options{
		URL:        url,
		OutputPath: cfg.Capture.Output,
		Width:      cfg.Capture.Width,
		Height:     cfg.Capture.Height,
	}
}

// DefaultURL returns the TV page URL for a listen address. Wildcard hosts
// are replaced by loopback.
func DefaultURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + DefaultPath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + DefaultPath
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return errors.New("capture: URL is required")
	}
	if o.OutputPath == "" {
		return errors.New("capture: OutputPath is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	return nil
}

// BoardPNG launches a headless Chromium instance via chromedp, navigates
// to opts.URL, waits until the page marks itself rendered and writes a
// PNG screenshot at the requested resolution.
//
// Rendering-complete condition: the TV page sets data-ready="true" on its
// root element once the first live snapshot has been drawn.
func BoardPNG(parentCtx context.Context, opts Options) error {
	if err := opts.normalize(); err != nil {
		return err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var png []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(`[data-ready="true"]`, chromedp.ByQuery),
		// Small extra delay to allow final paints.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&png, 100),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return writeAtomic(opts.OutputPath, png)
}

// writeAtomic replaces path so /preview.png never serves a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("capture: create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".preview-*.png")
	if err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	return nil
}

// CaptureFunc performs one capture. BoardPNG is the production value.
type CaptureFunc func(ctx context.Context, opts Options) error

// Run captures on the cron spec until ctx is done. Failures are logged and
// the next tick retries.
func Run(ctx context.Context, spec string, opts Options, capture CaptureFunc) error {
	if err := opts.normalize(); err != nil {
		return err
	}
	if capture == nil {
		capture = BoardPNG
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		start := time.Now()
		if err := capture(ctx, opts); err != nil {
			appLog.Error("kiosk capture failed", err, "url", opts.URL)
			return
		}
		appLog.Info("kiosk capture written", "output", opts.OutputPath, "elapsed", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("invalid capture schedule %q: %w", spec, err)
	}

	appLog.Info("kiosk capture scheduled", "spec", spec, "url", opts.URL, "output", opts.OutputPath)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
