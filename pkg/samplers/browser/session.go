// Package browser reads resource status from a rendered portal page using a
// headless Chrome session driven by chromedp.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Page is the subset of browser capabilities the samplers need.
// Session implements it; tests substitute a fake.
type Page interface {
	// QueryText returns the text content of the first element matching selector.
	// found is false when no element matches yet.
	QueryText(ctx context.Context, selector string) (text string, found bool, err error)

	// QueryAttributes returns the value of attr for every element matching selector.
	QueryAttributes(ctx context.Context, selector, attr string) ([]string, error)

	// Reload re-fetches the current page and waits for the body to be ready.
	Reload(ctx context.Context) error
}

// Options configures a browser session.
type Options struct {
	// Headless runs Chrome without a window.
	Headless bool

	// ExecPath overrides the Chrome binary.
	ExecPath string

	// WindowWidth and WindowHeight set the viewport size.
	WindowWidth  int
	WindowHeight int

	// Logger receives browser and console messages.
	Logger zerolog.Logger
}

// DefaultOptions returns headless options with a desktop-sized viewport.
func DefaultOptions() Options {
	return Options{
		Headless:     true,
		WindowWidth:  1920,
		WindowHeight: 1080,
		Logger:       zerolog.Nop(),
	}
}

// Session is one browser tab. It is an explicit capability passed to samplers;
// nothing in this package keeps an ambient session.
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      zerolog.Logger
}

// NewSession starts Chrome and opens a tab.
func NewSession(opts Options) (*Session, error) {
	logger := opts.Logger.With().Str("component", "browser").Logger()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Debug().Msgf(format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Warn().Msgf(format, args...)
		}),
	)

	s := &Session{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger,
	}

	// Start the browser eagerly so that launch errors surface here.
	if err := chromedp.Run(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	s.listen()
	logger.Info().Bool("headless", opts.Headless).Msg("Browser session started")
	return s, nil
}

func (s *Session) listen() {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			args := make([]string, 0, len(e.Args))
			for _, arg := range e.Args {
				if arg.Value != nil {
					args = append(args, string(arg.Value))
				}
			}
			s.logger.Debug().Str("type", string(e.Type)).Msg(strings.Join(args, " "))
		case *runtime.EventExceptionThrown:
			if e.ExceptionDetails != nil {
				s.logger.Warn().Str("text", e.ExceptionDetails.Text).Msg("Page script exception")
			}
		}
	})
}

// Close shuts down the tab and the browser.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// run executes actions on the tab, bounded by the caller's ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate opens url and waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	start := time.Now()
	if err := s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	s.logger.Debug().Str("url", url).Dur("duration", time.Since(start)).Msg("Navigated")
	return nil
}

// Reload implements Page.
func (s *Session) Reload(ctx context.Context) error {
	if err := s.run(ctx, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to reload page: %w", err)
	}
	return nil
}

type queryResult struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// jsString quotes v as a JavaScript string literal.
func jsString(v string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// QueryText implements Page. It never waits for the element to appear.
func (s *Session) QueryText(ctx context.Context, selector string) (string, bool, error) {
	sel, err := jsString(selector)
	if err != nil {
		return "", false, err
	}
	script := fmt.Sprintf(`(function() {
		const el = document.querySelector(%s);
		return el === null ? {found: false, text: ""} : {found: true, text: el.textContent || ""};
	})()`, sel)

	var res queryResult
	if err := s.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return "", false, fmt.Errorf("failed to query %s: %w", selector, err)
	}
	return strings.TrimSpace(res.Text), res.Found, nil
}

// QueryAttributes implements Page.
func (s *Session) QueryAttributes(ctx context.Context, selector, attr string) ([]string, error) {
	sel, err := jsString(selector)
	if err != nil {
		return nil, err
	}
	name, err := jsString(attr)
	if err != nil {
		return nil, err
	}
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(el => el.getAttribute(%s) || "")`, sel, name)

	var values []string
	if err := s.run(ctx, chromedp.Evaluate(script, &values)); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", selector, err)
	}
	return values, nil
}
