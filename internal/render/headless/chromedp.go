// Package headless renders screenshots with headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultWidth             = 1440
	defaultHeight            = 1024
	defaultMaxHeight         = 16384
	settleDelay              = 500 * time.Millisecond
)

// Config controls the behavior of the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ViewportWidth     int
	// ViewportHeight is used when the page reports no scroll height.
	ViewportHeight int
	// MaxHeight caps the full-page height.
	MaxHeight int
}

// DomainLimiter paces renders per site.
type DomainLimiter interface {
	Wait(ctx context.Context, domain string) error
}

// Renderer implements pipeline.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	domains     DomainLimiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer backed by chromedp. Chrome is started lazily
// on the first render. domains may be nil.
func NewChromedp(cfg Config, domains DomainLimiter) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultHeight
	}
	if cfg.MaxHeight < cfg.ViewportHeight {
		cfg.MaxHeight = max(defaultMaxHeight, cfg.ViewportHeight)
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		domains:     domains,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and stops Chrome.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to targetURL and returns a full-page PNG screenshot.
func (r *Renderer) Render(ctx context.Context, targetURL string) ([]byte, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parse render target: %w", err)
	}
	if r.domains != nil {
		if err := r.domains.Wait(ctx, strings.ToLower(u.Hostname())); err != nil {
			return nil, err
		}
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	// Stop the browser tab when the caller gives up.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.navTimeout(ctx))
	defer cancel()

	var image []byte
	if err := chromedp.Run(taskCtx, r.actions(targetURL, &image)...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("chromedp run: %w", ctxErr)
		}
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("chromedp run: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	if len(image) == 0 {
		return nil, errors.New("chromedp returned an empty screenshot")
	}
	return image, nil
}

func (r *Renderer) actions(targetURL string, image *[]byte) []chromedp.Action {
	var scrollHeight int64
	return []chromedp.Action{
		r.setupAction(),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Evaluate(`document.documentElement.scrollHeight`, &scrollHeight),
		chromedp.ActionFunc(func(ctx context.Context) error {
			height := r.pageHeight(scrollHeight)
			if err := emulation.SetDeviceMetricsOverride(int64(r.cfg.ViewportWidth), int64(height), 1, false).Do(ctx); err != nil {
				return fmt.Errorf("resize viewport: %w", err)
			}
			return nil
		}),
		// Escape dismisses most cookie banners and modal overlays.
		chromedp.KeyEvent(kb.Escape),
		chromedp.FullScreenshot(image, 100),
	}
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetDeviceMetricsOverride(int64(r.cfg.ViewportWidth), int64(r.cfg.ViewportHeight), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

func (r *Renderer) pageHeight(scrollHeight int64) int {
	switch {
	case scrollHeight <= 0:
		return r.cfg.ViewportHeight
	case scrollHeight > int64(r.cfg.MaxHeight):
		return r.cfg.MaxHeight
	default:
		return int(scrollHeight)
	}
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

// navTimeout is the configured timeout, shortened to the caller's deadline.
func (r *Renderer) navTimeout(ctx context.Context) time.Duration {
	timeout := r.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			return remaining
		}
	}
	return timeout
}
