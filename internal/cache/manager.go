// Package cache implements the two-tier snapshot cache: a fast volatile hot
// tier in front of durable object storage.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/hash/sha256"
	"github.com/JakeFAU/prerender/internal/metrics"
	"github.com/JakeFAU/prerender/internal/render"
)

const (
	hotKeyPrefix       = "cache:"
	htmlContentType    = "text/html; charset=utf-8"
	defaultHotTTL      = 24 * time.Hour
	defaultColdPrefix  = "snapshots"
	defaultColdTimeout = 30 * time.Second
)

// HotMarker records hot-tier residency on artifact metadata.
type HotMarker interface {
	SetHotPresence(ctx context.Context, normalizedURL string, inHot bool) error
}

// Config tunes the manager.
type Config struct {
	HotTTL           time.Duration
	ColdPrefix       string
	ColdWriteTimeout time.Duration
}

// Entry is a cache hit.
type Entry struct {
	HTML       []byte
	Location   render.CacheLocation
	StorageKey string
}

// Manager coordinates lookups and writes across both tiers.
type Manager struct {
	hot    render.HotStore
	cold   render.BlobStore
	marker HotMarker
	cfg    Config
	logger *zap.Logger

	// base outlives request contexts so async writes finish after the caller returns.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHotMarker records hot residency after promotions.
func WithHotMarker(marker HotMarker) Option {
	return func(m *Manager) { m.marker = marker }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager wires the hot and cold tiers.
func NewManager(hot render.HotStore, cold render.BlobStore, cfg Config, opts ...Option) (*Manager, error) {
	if hot == nil {
		return nil, errors.New("hot store is required")
	}
	if cold == nil {
		return nil, errors.New("cold store is required")
	}
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = defaultHotTTL
	}
	if cfg.ColdPrefix == "" {
		cfg.ColdPrefix = defaultColdPrefix
	}
	if cfg.ColdWriteTimeout <= 0 {
		cfg.ColdWriteTimeout = defaultColdTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		hot:    hot,
		cold:   cold,
		cfg:    cfg,
		logger: zap.NewNop(),
		base:   base,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// HotKey returns the hot-tier key for normalizedURL.
func HotKey(normalizedURL string) string {
	return hotKeyPrefix + normalizedURL
}

// StorageKey returns the cold-tier object path for normalizedURL.
func (m *Manager) StorageKey(normalizedURL string) string {
	return m.cfg.ColdPrefix + "/" + sha256.Sum([]byte(normalizedURL)) + ".html"
}

// Lookup checks the hot tier, then the cold tier. Errors in either tier are
// logged and treated as misses. A cold hit is promoted in the background.
func (m *Manager) Lookup(ctx context.Context, normalizedURL string) (Entry, bool) {
	html, ok, err := m.hot.Get(ctx, HotKey(normalizedURL))
	switch {
	case err != nil:
		m.logger.Warn("hot lookup failed", zap.String("normalized_url", normalizedURL), zap.Error(err))
	case ok:
		metrics.ObserveCacheLookup(string(render.CacheLocationHot))
		return Entry{HTML: html, Location: render.CacheLocationHot, StorageKey: m.StorageKey(normalizedURL)}, true
	}

	key := m.StorageKey(normalizedURL)
	html, ok, err = m.cold.GetObject(ctx, key)
	if err != nil {
		m.logger.Warn("cold lookup failed", zap.String("normalized_url", normalizedURL), zap.Error(err))
		metrics.ObserveCacheLookup(string(render.CacheLocationNone))
		return Entry{}, false
	}
	if !ok {
		metrics.ObserveCacheLookup(string(render.CacheLocationNone))
		return Entry{}, false
	}
	metrics.ObserveCacheLookup(string(render.CacheLocationCold))
	m.promoteAsync(normalizedURL, html)
	return Entry{HTML: html, Location: render.CacheLocationCold, StorageKey: key}, true
}

// Store writes html to the hot tier synchronously and to the cold tier in
// the background. Only a hot-tier failure is returned.
func (m *Manager) Store(ctx context.Context, normalizedURL string, html []byte) (string, error) {
	hotKey := HotKey(normalizedURL)
	if err := m.hot.Set(ctx, hotKey, html, m.cfg.HotTTL); err != nil {
		return "", &render.StorageWriteError{Tier: "hot", Key: hotKey, Err: err}
	}

	key := m.StorageKey(normalizedURL)
	body := append([]byte(nil), html...)
	m.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.ColdWriteTimeout)
		defer cancel()
		if _, err := m.cold.PutObject(ctx, key, htmlContentType, bytes.NewReader(body)); err != nil {
			werr := &render.StorageWriteError{Tier: "cold", Key: key, Err: err}
			metrics.ObserveColdWriteFailure()
			m.logger.Error("cold write failed", zap.String("normalized_url", normalizedURL), zap.Error(werr))
		}
	})
	return key, nil
}

// Promote copies the cold object for normalizedURL into the hot tier.
// It returns immediately; failures are logged.
func (m *Manager) Promote(normalizedURL string) {
	m.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.ColdWriteTimeout)
		defer cancel()
		html, ok, err := m.cold.GetObject(ctx, m.StorageKey(normalizedURL))
		if err != nil || !ok {
			m.logger.Debug("promote skipped", zap.String("normalized_url", normalizedURL), zap.Bool("found", ok), zap.Error(err))
			return
		}
		m.promote(ctx, normalizedURL, html)
	})
}

func (m *Manager) promoteAsync(normalizedURL string, html []byte) {
	body := append([]byte(nil), html...)
	m.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.ColdWriteTimeout)
		defer cancel()
		m.promote(ctx, normalizedURL, body)
	})
}

func (m *Manager) promote(ctx context.Context, normalizedURL string, html []byte) {
	if err := m.hot.Set(ctx, HotKey(normalizedURL), html, m.cfg.HotTTL); err != nil {
		m.logger.Warn("promote to hot tier failed", zap.String("normalized_url", normalizedURL), zap.Error(err))
		return
	}
	if m.marker == nil {
		return
	}
	if err := m.marker.SetHotPresence(ctx, normalizedURL, true); err != nil {
		m.logger.Warn("mark hot presence failed", zap.String("normalized_url", normalizedURL), zap.Error(err))
	}
}

func (m *Manager) goAsync(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.base)
	}()
}

// Close waits for background writes to finish or for ctx to expire, in which
// case outstanding writes are canceled.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("wait for cache writes: %w", ctx.Err())
	}
}
