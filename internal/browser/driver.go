// Package browser owns the pool of real browser processes and leases
// single pages to pollers and the agent. The pool never hands out a
// whole browser; callers get a Lease scoped to one page and must
// release it on every exit path.
package browser

import (
	"context"
	"time"
)

// Driver launches browser processes. The rod implementation is the
// production driver; tests substitute a fake.
type Driver interface {
	Launch(ctx context.Context) (Handle, error)
}

// Handle is one live browser process.
type Handle interface {
	// NewPage opens a fresh tab.
	NewPage(ctx context.Context) (Page, error)
	// Connected reports whether the process still answers.
	Connected() bool
	// SetCookies installs cookies browser-wide before navigation.
	SetCookies(ctx context.Context, cookies []Cookie) error
	// Cookies exports the current cookie jar.
	Cookies(ctx context.Context) ([]Cookie, error)
	// Close terminates the process.
	Close() error
}

// Page is a single tab. Every method honors its context deadline.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	WaitVisible(ctx context.Context, selector string) error
	// Eval runs a JS expression and returns its result as a string.
	Eval(ctx context.Context, js string) (string, error)
	Close() error
}

// Cookie is the driver-agnostic cookie shape used by session restore.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}
