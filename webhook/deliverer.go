package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/jomapps/taskd/config"
	"github.com/jomapps/taskd/events"
)

// Durable is the consumer name the deliverer subscribes with, so a
// restart resumes where the previous process stopped.
const Durable = "webhook-deliverer"

const (
	retryInitialInterval = time.Second
	retryMultiplier      = 2
)

// Deliverer consumes terminal events and posts envelopes to callback
// URLs. Each target host gets its own circuit breaker so one dead
// receiver cannot burn the retry budget of every delivery.
type Deliverer struct {
	cfg    config.WebhookConfig
	bus    events.Bus
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDeliverer wires a webhook deliverer.
func NewDeliverer(cfg config.WebhookConfig, bus events.Bus, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		cfg:      cfg,
		bus:      bus,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run consumes terminal events until ctx is cancelled. Deliveries run
// on a bounded pool; the subscription itself stays single-threaded.
func (d *Deliverer) Run(ctx context.Context) error {
	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	return d.bus.SubscribeTerminal(ctx, Durable, func(ctx context.Context, ev *events.TerminalEvent) error {
		if ev.CallbackURL == "" {
			return nil
		}
		payload, err := BuildEnvelope(ev)
		if err != nil {
			d.logger.Error("Dropping undeliverable event", "task_id", ev.TaskID, "error", err)
			return nil
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, ev, payload)
		}()
		return nil
	})
}

// deliver posts the payload with the retry schedule, then gives up.
// Exhaustion is terminal: the record is still authoritative and the
// status endpoint keeps working, so a dead receiver only loses the
// push notification.
func (d *Deliverer) deliver(ctx context.Context, ev *events.TerminalEvent, payload []byte) {
	breaker := d.breakerFor(ev.CallbackURL)

	attempt := 0
	operation := func() error {
		attempt++
		_, err := breaker.Execute(func() (any, error) {
			return nil, d.post(ctx, ev.CallbackURL, payload)
		})
		if err != nil {
			d.logger.Warn("Webhook delivery attempt failed",
				"task_id", ev.TaskID,
				"url", ev.CallbackURL,
				"attempt", attempt,
				"error", err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = 0

	maxRetries := uint64(0)
	if d.cfg.MaxAttempts > 1 {
		maxRetries = uint64(d.cfg.MaxAttempts - 1)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		d.logger.Error("Webhook delivery abandoned",
			"task_id", ev.TaskID,
			"url", ev.CallbackURL,
			"attempts", attempt,
			"error", err)
		return
	}
	d.logger.Info("Webhook delivered",
		"task_id", ev.TaskID,
		"state", ev.State,
		"attempts", attempt)
}

// post performs one delivery attempt. Any 2xx status is success;
// everything else, including a client timeout, is a retriable failure.
func (d *Deliverer) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook receiver returned %d", resp.StatusCode)
	}
	return nil
}

// breakerFor returns the circuit breaker for the callback's host.
func (d *Deliverer) breakerFor(callbackURL string) *gobreaker.CircuitBreaker {
	host := callbackURL
	if u, err := url.Parse(callbackURL); err == nil && u.Host != "" {
		host = u.Host
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
	})
	d.breakers[host] = cb
	return cb
}
