// Package browser drives a Chrome instance with a persistent profile through
// the DevTools protocol.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// StatusInfo describes the browser and its profile.
type StatusInfo struct {
	Running    bool   `json:"running"`
	Tabs       int    `json:"tabs"`
	URL        string `json:"url,omitempty"`
	ProfileDir string `json:"profile_dir"`
	// ProfileExists reports whether the profile has been created on disk.
	ProfileExists bool `json:"profile_exists"`
}

// Manager handles the Chrome browser lifecycle and the page the agent drives.
type Manager struct {
	mu         sync.Mutex
	browser    *rod.Browser
	launcher   *launcher.Launcher
	page       *rod.Page
	profileDir string
	headless   bool
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeadless sets headless mode (default false).
func WithHeadless(h bool) Option {
	return func(m *Manager) { m.headless = h }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithProfileDir sets the Chrome user data directory.
func WithProfileDir(dir string) Option {
	return func(m *Manager) { m.profileDir = dir }
}

// New creates a Manager with options.
func New(opts ...Option) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ProfileDir returns the Chrome user data directory.
func (m *Manager) ProfileDir() string {
	return m.profileDir
}

// Start launches Chrome on the profile directory. Starting a running browser
// is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	if m.browser != nil {
		return nil
	}

	l := launcher.New().
		Headless(m.headless).
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check")
	if m.profileDir != "" {
		if err := os.MkdirAll(m.profileDir, 0755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
		l = l.UserDataDir(m.profileDir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch Chrome: %w", err)
	}

	m.logger.Info("Chrome launched", "cdp", controlURL, "headless", m.headless, "profile", m.profileDir)

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to Chrome: %w", err)
	}

	m.browser = b
	m.launcher = l
	return nil
}

// Stop closes the Chrome browser.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	if m.browser == nil {
		return nil
	}

	err := m.browser.Close()
	if m.launcher != nil {
		m.launcher.Kill()
	}
	m.browser = nil
	m.launcher = nil
	m.page = nil
	return err
}

// Close shuts down the browser if running.
func (m *Manager) Close() error {
	return m.Stop(context.Background())
}

// Open starts the browser if needed and makes sure a page exists.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.pageLocked()
	return err
}

// OpenURL opens url in a new tab, which becomes the active page.
func (m *Manager) OpenURL(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.startLocked(); err != nil {
		return err
	}
	page, err := m.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	if err := page.WaitStable(300 * time.Millisecond); err != nil {
		return fmt.Errorf("wait stable: %w", err)
	}
	m.page = page
	return nil
}

// Reset stops the browser and deletes the profile, signing out of every site.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stopLocked(); err != nil {
		m.logger.Warn("Failed to close browser before reset", "error", err)
	}
	if m.profileDir == "" {
		return nil
	}
	if err := os.RemoveAll(m.profileDir); err != nil {
		return fmt.Errorf("remove profile: %w", err)
	}
	m.logger.Info("Browser profile reset", "profile", m.profileDir)
	return nil
}

// Status returns current browser status.
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := StatusInfo{ProfileDir: m.profileDir}
	if m.profileDir != "" {
		if _, err := os.Stat(m.profileDir); err == nil {
			info.ProfileExists = true
		}
	}
	if m.browser == nil {
		return info
	}

	info.Running = true
	pages, _ := m.browser.Pages()
	info.Tabs = len(pages)
	page := m.page
	if page == nil && len(pages) > 0 {
		page = pages[0]
	}
	if page != nil {
		if pageInfo, err := page.Info(); err == nil {
			info.URL = pageInfo.URL
		}
	}
	return info
}

// ClearDomainCookies deletes every cookie set for domain or its subdomains.
func (m *Manager) ClearDomainCookies(ctx context.Context, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, err := m.pageLocked()
	if err != nil {
		return err
	}
	cookies, err := m.browser.GetCookies()
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}

	var n int
	for _, c := range cookies {
		if !matchDomain(c.Domain, domain) {
			continue
		}
		err := proto.NetworkDeleteCookies{Name: c.Name, Domain: c.Domain, Path: c.Path}.Call(page)
		if err != nil {
			return fmt.Errorf("delete cookie %s: %w", c.Name, err)
		}
		n++
	}
	m.logger.Info("Cleared cookies", "domain", domain, "count", n)
	return nil
}

// matchDomain reports whether a cookie domain belongs to domain.
func matchDomain(cookieDomain, domain string) bool {
	cd := strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	d := strings.ToLower(strings.TrimPrefix(domain, "."))
	if d == "" {
		return false
	}
	return cd == d || strings.HasSuffix(cd, "."+d)
}

// pageLocked returns the active page, starting the browser and opening a
// blank tab if necessary. Must be called with m.mu held.
func (m *Manager) pageLocked() (*rod.Page, error) {
	if err := m.startLocked(); err != nil {
		return nil, err
	}
	if m.page != nil {
		return m.page, nil
	}

	pages, err := m.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) > 0 {
		m.page = pages[0]
		return m.page, nil
	}

	page, err := m.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	m.page = page
	return page, nil
}

// activePage returns the active page bound to ctx.
func (m *Manager) activePage(ctx context.Context) (*rod.Page, error) {
	m.mu.Lock()
	page, err := m.pageLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return page.Context(ctx), nil
}
