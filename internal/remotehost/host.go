// Package remotehost implements the tab-host capability surface over HTTP,
// talking to a browser-side companion that owns the real tabs. Calls go
// through retries, a rate limiter, and a circuit breaker so a dead or
// wedged browser endpoint degrades sync batches instead of hanging them.
package remotehost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tccl/tabsync/internal/infrastructure/config"
	"github.com/tccl/tabsync/internal/infrastructure/logging"
	"github.com/tccl/tabsync/internal/infrastructure/resilience"
	"github.com/tccl/tabsync/internal/tabs"
)

const eventPollInterval = 250 * time.Millisecond

// Host is an HTTP-backed tabs.Host.
type Host struct {
	client  *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	logger  *logging.Logger

	mu     sync.Mutex
	subs   map[int]chan tabs.NavEvent
	nextID int
	cursor int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a host talking to the companion at cfg.Address. The event
// poll loop starts immediately; Close stops it.
func New(cfg config.HostConfig, logger *logging.Logger) *Host {
	if logger == nil {
		logger = logging.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(cfg.Address).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "tabsync-agent/1.0").
		SetTransport(retryClient.HTTPClient.Transport)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	breaker := resilience.New("tab-host", resilience.Settings{
		MaxProbes: 2,
		Interval:  60 * time.Second,
		Cooldown:  15 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("tab host breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	h := &Host{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		breaker: breaker,
		logger:  logger,
		subs:    make(map[int]chan tabs.NavEvent),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.pollEvents()
	return h
}

// Close stops the event poll loop.
func (h *Host) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

type tabPayload struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Tabs enumerates the companion's open tabs.
func (h *Host) Tabs(ctx context.Context) ([]tabs.Tab, error) {
	var body struct {
		Tabs []tabPayload `json:"tabs"`
	}
	if err := h.call(ctx, func() (*resty.Response, error) {
		return h.client.R().SetContext(ctx).SetResult(&body).Get("/v1/tabs")
	}); err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	out := make([]tabs.Tab, 0, len(body.Tabs))
	for _, t := range body.Tabs {
		out = append(out, tabs.Tab{ID: t.ID, URL: t.URL})
	}
	return out, nil
}

// Exec runs a script in a tab's page context.
func (h *Host) Exec(ctx context.Context, tabID, script string) (interface{}, error) {
	var body struct {
		Result interface{} `json:"result"`
	}
	if err := h.call(ctx, func() (*resty.Response, error) {
		return h.client.R().
			SetContext(ctx).
			SetBody(map[string]string{"script": script}).
			SetResult(&body).
			Post("/v1/tabs/" + tabID + "/exec")
	}); err != nil {
		return nil, fmt.Errorf("exec in tab %s: %w", tabID, err)
	}
	return body.Result, nil
}

// Create opens a tab and returns its ID.
func (h *Host) Create(ctx context.Context, url string, active bool) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := h.call(ctx, func() (*resty.Response, error) {
		return h.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{"url": url, "active": active}).
			SetResult(&body).
			Post("/v1/tabs")
	}); err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}
	return body.ID, nil
}

// Remove closes a tab. A 404 means it is already gone and is not an error.
func (h *Host) Remove(ctx context.Context, tabID string) error {
	err := h.call(ctx, func() (*resty.Response, error) {
		return h.client.R().SetContext(ctx).Delete("/v1/tabs/" + tabID)
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove tab %s: %w", tabID, err)
	}
	return nil
}

// Subscribe registers for navigation events fanned out from the poll loop.
func (h *Host) Subscribe() (<-chan tabs.NavEvent, func()) {
	ch := make(chan tabs.NavEvent, 16)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// call runs one request through the rate limiter and breaker and folds
// HTTP-level failures into errors.
func (h *Host) call(ctx context.Context, fn func() (*resty.Response, error)) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	return h.breaker.Do(func() error {
		resp, err := fn()
		if err != nil {
			return err
		}
		if resp.IsError() {
			var ep errorPayload
			msg := resp.Status()
			if unmarshalErr := unmarshalError(resp, &ep); unmarshalErr == nil && ep.Error != "" {
				msg = ep.Error
			}
			return &statusError{code: resp.StatusCode(), message: msg}
		}
		return nil
	})
}

// pollEvents tails the companion's navigation event feed and fans events
// out to subscribers. Slow subscribers drop events rather than stall the
// loop; delivery waits are bounded by the background timeout anyway.
func (h *Host) pollEvents() {
	defer close(h.done)
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		events, err := h.fetchEvents(ctx)
		cancel()
		if err != nil {
			h.logger.Debug("event poll failed", zap.Error(err))
			continue
		}
		if len(events) == 0 {
			continue
		}

		h.mu.Lock()
		for _, ev := range events {
			for _, sub := range h.subs {
				select {
				case sub <- ev:
				default:
				}
			}
		}
		h.mu.Unlock()
	}
}

func (h *Host) fetchEvents(ctx context.Context) ([]tabs.NavEvent, error) {
	h.mu.Lock()
	cursor := h.cursor
	h.mu.Unlock()

	var body struct {
		Cursor int64 `json:"cursor"`
		Events []struct {
			TabID string `json:"tab_id"`
			Type  string `json:"type"`
		} `json:"events"`
	}
	if err := h.call(ctx, func() (*resty.Response, error) {
		return h.client.R().
			SetContext(ctx).
			SetQueryParam("cursor", fmt.Sprintf("%d", cursor)).
			SetResult(&body).
			Get("/v1/events")
	}); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cursor = body.Cursor
	h.mu.Unlock()

	out := make([]tabs.NavEvent, 0, len(body.Events))
	for _, ev := range body.Events {
		out = append(out, tabs.NavEvent{TabID: ev.TabID, Type: tabs.NavEventType(ev.Type)})
	}
	return out, nil
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tab host returned %d: %s", e.code, e.message)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func unmarshalError(resp *resty.Response, v interface{}) error {
	return sonic.Unmarshal(resp.Body(), v)
}
