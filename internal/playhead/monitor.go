// Package playhead maintains the subscription to the external event source
// that assigns which source URL is live, and notifies the mux on changes.
package playhead

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
)

const (
	reconnectDelay     = 5 * time.Second
	healthPollInterval = 5 * time.Second
	healthLogEvery     = 30 * time.Second
)

// Event is one record on the playhead event stream. Records without a head
// field are ignored.
type Event struct {
	Head string `json:"head"`
	Name string `json:"name"`
}

// ChangeFunc is invoked from the monitor's consumer goroutine whenever the
// live URL changes.
type ChangeFunc func(url, name string)

// Monitor subscribes to the playhead event source and deduplicates URL
// changes. Transport errors never terminate it; it reconnects forever.
type Monitor struct {
	apiURL      string
	publicHost  string
	internalURL string
	client      *http.Client

	cancel  context.CancelFunc
	done    chan struct{}
	lastURL string
}

// NewMonitor creates a playhead monitor from configuration.
func NewMonitor(cfg *config.Config) *Monitor {
	return &Monitor{
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		publicHost:  cfg.PublicHost,
		internalURL: cfg.InternalURL,
		// No client timeout: the event subscription is a long-lived response.
		client: &http.Client{},
		done:   make(chan struct{}),
	}
}

// Run blocks: it waits for the event source to become healthy, then consumes
// the event stream, invoking onChange for each deduplicated URL change. It
// returns only when the context is canceled or Stop is called.
func (m *Monitor) Run(ctx context.Context, onChange ChangeFunc) {
	ctx, m.cancel = context.WithCancel(ctx)
	defer close(m.done)

	for {
		if err := m.waitHealthy(ctx); err != nil {
			return
		}

		if err := m.consume(ctx, onChange); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Warn().
				Err(err).
				Dur("retry_in", reconnectDelay).
				Msg("Playhead subscription lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop signals the run loop to exit and waits for it.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// waitHealthy polls the event source's health endpoint until it succeeds
func (m *Monitor) waitHealthy(ctx context.Context) error {
	lastLog := time.Time{}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := m.client.Do(req)
		if err == nil {
			ok := resp.StatusCode == http.StatusOK
			resp.Body.Close() // nolint:errcheck
			if ok {
				logger.Log.Info().
					Str("api_url", m.apiURL).
					Msg("Playhead event source is healthy")
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastLog) >= healthLogEvery {
			logger.Log.Info().
				Str("api_url", m.apiURL).
				Msg("Waiting for playhead event source")
			lastLog = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

// consume opens the event subscription and processes records until the
// stream breaks or the context is canceled.
func (m *Monitor) consume(ctx context.Context, onChange ChangeFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL+"/events", nil)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event subscription returned status %d", resp.StatusCode)
	}

	logger.Log.Info().
		Str("api_url", m.apiURL).
		Msg("Subscribed to playhead events")

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Records may arrive as raw JSON lines or SSE data frames.
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "{") {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			logger.Log.Debug().
				Err(err).
				Str("line", line).
				Msg("Skipping unparseable playhead record")
			continue
		}
		if event.Head == "" {
			continue
		}

		url := m.rewriteURL(event.Head)
		if url == m.lastURL {
			continue
		}
		m.lastURL = url

		logger.Log.Info().
			Str("url", url).
			Str("name", event.Name).
			Msg("Playhead changed")
		onChange(url, event.Name)
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("event stream closed")
}

// rewriteURL substitutes the configured public hostname prefix with the
// internal-network prefix, bypassing public DNS/TLS for the source fetch.
func (m *Monitor) rewriteURL(url string) string {
	if m.publicHost == "" || m.internalURL == "" {
		return url
	}
	return strings.Replace(url, m.publicHost, m.internalURL, 1)
}
