package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/config"
)

// RodDriver launches Chromium processes over CDP via rod. One Launch
// call is one process; the pool decides how many to keep.
type RodDriver struct {
	cfg    config.PoolConfig
	logger *zap.Logger
}

// NewRodDriver builds the production driver.
func NewRodDriver(cfg config.PoolConfig, logger *zap.Logger) *RodDriver {
	return &RodDriver{cfg: cfg, logger: logger}
}

// Launch starts a browser process and connects to it. Launchers are
// single-use, so each call builds a fresh one.
func (d *RodDriver) Launch(ctx context.Context) (Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := launcher.New().
		Headless(d.cfg.Headless).
		NoSandbox(true)

	if d.cfg.BrowserBin != "" {
		l = l.Bin(d.cfg.BrowserBin)
	}
	if d.cfg.ProxyURL != "" {
		l = l.Proxy(d.cfg.ProxyURL)
	}

	// Flags that keep Chromium from advertising automation. The site
	// fingerprints navigator.webdriver and the automation infobar.
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "Translate,TranslateUI")
	l.Set(flags.Flag("force-webrtc-ip-handling-policy"), "disable_non_proxied_udp")
	l.Set(flags.Flag("accept-lang"), "en-US,en;q=0.9")
	l.Set(flags.Flag("window-size"), "1920,1080")
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("no-default-browser-check"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-background-networking"))
	l.Set(flags.Flag("mute-audio"))

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	d.logger.Debug("Browser launched", zap.String("control_url", url))
	return &rodHandle{browser: b, launcher: l}, nil
}

type rodHandle struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func (h *rodHandle) NewPage(ctx context.Context) (Page, error) {
	p, err := h.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return &rodPage{page: p}, nil
}

// Connected pings the process with a cheap CDP call.
func (h *rodHandle) Connected() bool {
	_, err := h.browser.Version()
	return err == nil
}

func (h *rodHandle) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		params = append(params, p)
	}
	return h.browser.Context(ctx).SetCookies(params)
}

func (h *rodHandle) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := h.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, cookie)
	}
	return out, nil
}

func (h *rodHandle) Close() error {
	err := h.browser.Close()
	h.launcher.Kill()
	return err
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) WaitVisible(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

func (p *rodPage) Eval(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
