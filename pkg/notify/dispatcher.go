// Package notify delivers alert transition events to external channels.
// Delivery is asynchronous and at-least-once: a crash mid-delivery may
// produce a duplicate on restart, so webhook consumers must tolerate
// duplicates.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/logger"
)

// Payload is the structured body delivered to every channel. It carries no
// internal types so channel consumers see a stable contract.
type Payload struct {
	AlertID      string     `json:"alert_id"`
	RuleID       string     `json:"rule_id"`
	RuleName     string     `json:"rule_name"`
	ProjectID    string     `json:"project_id"`
	Status       string     `json:"status"`
	TriggerValue float64    `json:"trigger_value"`
	Message      string     `json:"message"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Target is one delivery destination.
type Target struct {
	ChannelID string
	URL       string
	Headers   map[string]string
}

// Config tunes delivery.
type Config struct {
	// Timeout bounds a single HTTP delivery attempt.
	Timeout time.Duration

	// MaxAttempts caps retries of transient failures per target.
	MaxAttempts int

	// BaseDelay is the first retry delay; it doubles per attempt.
	BaseDelay time.Duration

	// QueueSize is the pending delivery buffer. A full queue drops new
	// deliveries rather than blocking the evaluator.
	QueueSize int
}

// DefaultConfig matches the documented retry contract: up to 4 attempts
// starting at 5 seconds.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		MaxAttempts: 4,
		BaseDelay:   5 * time.Second,
		QueueSize:   256,
	}
}

type delivery struct {
	payload Payload
	target  Target
}

// Dispatcher queues deliveries and works through them on a single background
// worker, decoupled from the evaluation loop so a slow webhook never stalls
// rule evaluation.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	queue  chan delivery
	log    zerolog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin delivering.
func NewDispatcher(cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan delivery, cfg.QueueSize),
		log:    logger.WithComponent(log, "notify"),
		stop:   make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-d.stop:
				// Drain what is already queued before exiting.
				for {
					select {
					case del := <-d.queue:
						d.deliver(del)
					default:
						return
					}
				}
			case del := <-d.queue:
				d.deliver(del)
			}
		}
	}()
}

// Stop shuts the worker down after draining queued deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Enqueue schedules payload for delivery to every target. Never blocks; when
// the queue is full the delivery is dropped and logged.
func (d *Dispatcher) Enqueue(payload Payload, targets []Target) {
	for _, target := range targets {
		select {
		case d.queue <- delivery{payload: payload, target: target}:
		default:
			d.log.Warn().
				Str("alert_id", payload.AlertID).
				Str("channel_id", target.ChannelID).
				Msg("Notification queue full, dropping delivery")
		}
	}
}

// deliver attempts one target, retrying transient failures with exponential
// backoff. Permanent failures (4xx, malformed URL) stop immediately and are
// logged against the alert.
func (d *Dispatcher) deliver(del delivery) {
	if _, err := url.ParseRequestURI(del.target.URL); err != nil {
		d.log.Error().Err(err).
			Str("alert_id", del.payload.AlertID).
			Str("channel_id", del.target.ChannelID).
			Msg("Notification dropped, malformed webhook URL")
		return
	}

	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-d.stop:
				d.log.Warn().
					Str("alert_id", del.payload.AlertID).
					Str("channel_id", del.target.ChannelID).
					Msg("Shutdown during retry backoff, delivery abandoned")
				return
			case <-time.After(backoff):
			}
		}

		err, retryable := d.attempt(del)
		if err == nil {
			d.log.Debug().
				Str("alert_id", del.payload.AlertID).
				Str("channel_id", del.target.ChannelID).
				Int("attempt", attempt+1).
				Msg("Notification delivered")
			return
		}
		if !retryable {
			d.log.Error().Err(err).
				Str("alert_id", del.payload.AlertID).
				Str("channel_id", del.target.ChannelID).
				Msg("Notification failed permanently")
			return
		}
		d.log.Warn().Err(err).
			Str("alert_id", del.payload.AlertID).
			Str("channel_id", del.target.ChannelID).
			Int("attempt", attempt+1).
			Msg("Notification attempt failed")
	}

	d.log.Error().
		Str("alert_id", del.payload.AlertID).
		Str("channel_id", del.target.ChannelID).
		Int("attempts", d.cfg.MaxAttempts).
		Msg("Notification gave up after retries")
}

// attempt performs one HTTP POST. retryable is true for timeouts, transport
// errors, and 5xx responses.
func (d *Dispatcher) attempt(del delivery) (err error, retryable bool) {
	body, err := json.Marshal(del.payload)
	if err != nil {
		return err, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.target.URL, bytes.NewReader(body))
	if err != nil {
		return err, false
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range del.target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err, true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil, false
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode), true
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode), false
	}
}
