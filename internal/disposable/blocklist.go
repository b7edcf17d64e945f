// Package disposable checks email domains against a published list of throwaway email providers. Registration uses
// it to keep one-shot mailboxes off the server; when the list is unavailable the check fails open.
package disposable

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Blocklist holds the cached domain set. The list is fetched lazily on first use and can be refreshed periodically
// through Run. If the initial fetch fails, later calls retry until the list loads.
type Blocklist struct {
	url     string
	enabled bool
	log     zerolog.Logger

	mu      sync.RWMutex
	domains map[string]struct{}
	loaded  bool
}

// NewBlocklist creates the blocklist. When enabled is false, IsBlocked always reports false without fetching.
func NewBlocklist(url string, enabled bool, logger zerolog.Logger) *Blocklist {
	return &Blocklist{
		url:     url,
		enabled: enabled,
		log:     logger.With().Str("component", "disposable").Logger(),
	}
}

// IsBlocked reports whether the domain appears on the disposable-provider list, fetching the list first if it has
// not been loaded yet.
func (b *Blocklist) IsBlocked(ctx context.Context, domain string) (bool, error) {
	if !b.enabled {
		return false, nil
	}

	key := strings.ToLower(domain)

	b.mu.RLock()
	if b.loaded {
		_, blocked := b.domains[key]
		b.mu.RUnlock()
		return blocked, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		_, blocked := b.domains[key]
		return blocked, nil
	}

	domains, err := fetchDomains(ctx, b.url)
	if err != nil {
		return false, fmt.Errorf("load disposable email blocklist: %w", err)
	}
	b.domains = domains
	b.loaded = true

	_, blocked := domains[key]
	return blocked, nil
}

// Prefetch loads the list ahead of the first registration so the request itself never waits on the download.
// Failures are logged and left for IsBlocked to retry.
func (b *Blocklist) Prefetch(ctx context.Context) {
	if !b.enabled {
		return
	}
	if err := b.refresh(ctx); err != nil {
		b.log.Warn().Err(err).Msg("blocklist prefetch failed")
	}
}

// Run prefetches the list and then refreshes it on the given interval until the context is cancelled. A failed
// refresh keeps the previously cached list.
func (b *Blocklist) Run(ctx context.Context, interval time.Duration) {
	if !b.enabled {
		<-ctx.Done()
		return
	}

	b.Prefetch(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.refresh(ctx); err != nil {
				b.log.Warn().Err(err).Msg("blocklist refresh failed")
			}
		}
	}
}

func (b *Blocklist) refresh(ctx context.Context) error {
	domains, err := fetchDomains(ctx, b.url)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.domains = domains
	b.loaded = true
	b.mu.Unlock()
	b.log.Debug().Int("domains", len(domains)).Msg("blocklist loaded")
	return nil
}

func fetchDomains(ctx context.Context, url string) (map[string]struct{}, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build blocklist request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist returned status %d", resp.StatusCode)
	}

	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[strings.ToLower(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return domains, nil
}
