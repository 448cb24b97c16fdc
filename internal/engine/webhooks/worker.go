package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tripmail/internal/platform/config"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
)

type DeliveryStore interface {
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*models.WebhookDelivery, error)
	Finalize(ctx context.Context, id string, out repositories.Outcome) error
	Release(ctx context.Context, id string, at time.Time) error
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type WebhookLookup interface {
	GetByID(ctx context.Context, id string) (*models.Webhook, error)
}

type SecretOpener interface {
	Decrypt(encoded string) (string, error)
}

type URLValidator interface {
	Validate(ctx context.Context, raw string) (string, error)
}

// PassSummary is reported by the process endpoint. Failed counts rows that
// went dead this pass; retryable failures are counted as requeued.
type PassSummary struct {
	Fetched   int   `json:"fetched"`
	Processed int   `json:"processed"`
	Success   int   `json:"success"`
	Failed    int   `json:"failed"`
	Requeued  int   `json:"requeued"`
	Skipped   int   `json:"skipped"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

func (s *PassSummary) Idle() bool {
	return s.Fetched == 0
}

type result int

const (
	resultSuccess result = iota
	resultFailed
	resultRequeued
	resultSkipped
)

func (s *PassSummary) add(r result) {
	s.Processed++
	switch r {
	case resultSuccess:
		s.Success++
	case resultFailed:
		s.Failed++
	case resultRequeued:
		s.Requeued++
	case resultSkipped:
		s.Skipped++
	}
}

// Stats are cumulative since process start.
type Stats struct {
	Passes    atomic.Int64
	Delivered atomic.Int64
	Failed    atomic.Int64
	Requeued  atomic.Int64
	Skipped   atomic.Int64
	Errors    atomic.Int64
}

type StatsSnapshot struct {
	Passes    int64 `json:"passes"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Requeued  int64 `json:"requeued"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Passes:    s.Passes.Load(),
		Delivered: s.Delivered.Load(),
		Failed:    s.Failed.Load(),
		Requeued:  s.Requeued.Load(),
		Skipped:   s.Skipped.Load(),
		Errors:    s.Errors.Load(),
	}
}

type Worker struct {
	deliveries DeliveryStore
	webhooks   WebhookLookup
	secrets    SecretOpener
	validator  URLValidator
	sender     *Sender
	policy     RetryPolicy
	cfg        config.WebhooksConfig
	now        func() time.Time
	stats      Stats
}

// NewWorker wires a worker. validator may be nil when
// cfg.RevalidateOnDelivery is off.
func NewWorker(deliveries DeliveryStore, webhooks WebhookLookup, secrets SecretOpener, validator URLValidator, cfg config.WebhooksConfig) *Worker {
	return &Worker{
		deliveries: deliveries,
		webhooks:   webhooks,
		secrets:    secrets,
		validator:  validator,
		sender:     NewSender(cfg.RequestTimeout, cfg.MaxResponseBody),
		policy:     RetryPolicy{Schedule: cfg.RetrySchedule},
		cfg:        cfg,
		now:        time.Now,
	}
}

func (w *Worker) Stats() *Stats {
	return &w.stats
}

// RunPass claims one batch of due deliveries and attempts each once. Only a
// failed claim is returned as an error; per-row problems end up in the rows.
//
// ctx bounds when rows may start. A row that has not started when ctx is
// done goes back to the queue untouched; a started row runs to completion
// under the per-request timeout.
func (w *Worker) RunPass(ctx context.Context) (*PassSummary, error) {
	start := time.Now()
	now := w.now()
	w.stats.Passes.Add(1)

	if w.cfg.Retention > 0 {
		if n, err := w.deliveries.PurgeOlderThan(ctx, now.Add(-w.cfg.Retention)); err != nil {
			log.Warn().Err(err).Msg("Failed to purge old webhook deliveries")
		} else if n > 0 {
			log.Info().Int64("count", n).Msg("Purged old webhook deliveries")
		}
	}

	if w.cfg.StaleClaimAfter > 0 {
		if n, err := w.deliveries.RecoverStale(ctx, now.Add(-w.cfg.StaleClaimAfter), now); err != nil {
			log.Warn().Err(err).Msg("Failed to recover stale webhook claims")
		} else if n > 0 {
			log.Warn().Int64("count", n).Msg("Recovered stale webhook claims")
		}
	}

	rows, err := w.deliveries.ClaimDue(ctx, w.cfg.BatchSize, now)
	if err != nil {
		w.stats.Errors.Add(1)
		return nil, fmt.Errorf("load due deliveries: %w", err)
	}

	summary := &PassSummary{Fetched: len(rows)}
	if len(rows) == 0 {
		summary.ElapsedMS = time.Since(start).Milliseconds()
		return summary, nil
	}

	// One slot per in-flight request for each user.
	perUser := make(map[string]chan struct{})
	for _, d := range rows {
		if _, ok := perUser[d.UserID]; !ok {
			perUser[d.UserID] = make(chan struct{}, max(1, w.cfg.PerUserConcurrency))
		}
	}

	// The user slot is taken before the global one, so a user with slow
	// endpoints never holds more than its own share of global slots.
	global := semaphore.NewWeighted(int64(max(1, w.cfg.MaxParallel)))

	var mu sync.Mutex
	record := func(r result) {
		mu.Lock()
		summary.add(r)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, d := range rows {
		userSlot := perUser[d.UserID]
		g.Go(func() error {
			select {
			case userSlot <- struct{}{}:
			case <-ctx.Done():
				record(w.requeueUnstarted(ctx, d))
				return nil
			}
			defer func() { <-userSlot }()

			if err := global.Acquire(ctx, 1); err != nil {
				record(w.requeueUnstarted(ctx, d))
				return nil
			}
			defer global.Release(1)

			record(w.process(context.WithoutCancel(ctx), d))
			return nil
		})
	}
	_ = g.Wait()

	summary.ElapsedMS = time.Since(start).Milliseconds()
	return summary, nil
}

// process never panics; a panic finalizes the row as a failed attempt.
// ctx must not be cancelled by the pass.
func (w *Worker) process(ctx context.Context, d *models.WebhookDelivery) (r result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("delivery_id", d.ID).
				Interface("panic", p).
				Msg("Panic while delivering webhook")
			r = w.fail(ctx, d, SendResult{Body: "internal error"})
		}
		w.count(r)
	}()

	webhook, err := w.webhooks.GetByID(ctx, d.WebhookID)
	if errors.Is(err, repositories.ErrNotFound) {
		w.finalize(ctx, d, repositories.Outcome{Status: models.DeliveryDead, Attempts: d.Attempts, AttemptedAt: w.now()})
		return resultSkipped
	}
	if err != nil {
		log.Warn().Err(err).Str("delivery_id", d.ID).Msg("Failed to load webhook, releasing delivery")
		return w.release(ctx, d, w.now().Add(w.cfg.DisabledRequeueDelay))
	}

	// Pings are sent even to disabled webhooks so the test endpoint works
	// before a webhook is switched on.
	if !webhook.Enabled && d.Event != EventPing {
		return w.release(ctx, d, w.now().Add(w.cfg.DisabledRequeueDelay))
	}

	secret, err := w.secrets.Decrypt(webhook.SecretEncrypted)
	if err != nil {
		log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("Failed to decrypt webhook secret")
		return w.fail(ctx, d, SendResult{Body: "secret unavailable"})
	}

	if w.cfg.RevalidateOnDelivery && w.validator != nil {
		if _, err := w.validator.Validate(ctx, webhook.URL); err != nil {
			return w.fail(ctx, d, SendResult{Body: err.Error()})
		}
	}

	res := w.sender.Send(ctx, webhook.URL, secret, d)
	if res.OK {
		w.finalize(ctx, d, repositories.Outcome{
			Status:       models.DeliverySuccess,
			Attempts:     d.Attempts + 1,
			ResponseCode: res.StatusCode,
			ResponseBody: nonEmpty(res.Body),
			AttemptedAt:  w.now(),
		})
		return resultSuccess
	}
	return w.fail(ctx, d, res)
}

// fail records a failed attempt and schedules the next one, or marks the
// delivery dead once attempts are exhausted.
func (w *Worker) fail(ctx context.Context, d *models.WebhookDelivery, res SendResult) result {
	now := w.now()
	attempts := d.Attempts + 1
	out := repositories.Outcome{
		Attempts:     attempts,
		ResponseCode: res.StatusCode,
		ResponseBody: nonEmpty(res.Body),
		AttemptedAt:  now,
	}

	delay, retry := w.policy.Next(attempts)
	if retry {
		next := now.Add(delay)
		out.Status = models.DeliveryFailed
		out.NextAttemptAt = &next
	} else {
		out.Status = models.DeliveryDead
	}

	evt := log.Warn().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Int("attempts", attempts).
		Str("status", string(out.Status))
	if res.StatusCode != nil {
		evt = evt.Int("response_code", *res.StatusCode)
	}
	evt.Msg("Webhook delivery failed")

	w.finalize(ctx, d, out)
	if retry {
		return resultRequeued
	}
	return resultFailed
}

// requeueUnstarted hands back a row the pass ran out of time for. It is due
// again immediately and no attempt is counted.
func (w *Worker) requeueUnstarted(ctx context.Context, d *models.WebhookDelivery) result {
	r := w.release(context.WithoutCancel(ctx), d, w.now())
	w.count(r)
	return r
}

func (w *Worker) release(ctx context.Context, d *models.WebhookDelivery, at time.Time) result {
	if err := w.deliveries.Release(ctx, d.ID, at); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("Failed to release webhook delivery")
		return resultSkipped
	}
	return resultRequeued
}

func (w *Worker) finalize(ctx context.Context, d *models.WebhookDelivery, out repositories.Outcome) {
	if err := w.deliveries.Finalize(ctx, d.ID, out); err != nil {
		w.stats.Errors.Add(1)
		log.Error().Err(err).Str("delivery_id", d.ID).Str("status", string(out.Status)).Msg("Failed to finalize webhook delivery")
	}
}

func (w *Worker) count(r result) {
	switch r {
	case resultSuccess:
		w.stats.Delivered.Add(1)
	case resultFailed:
		w.stats.Failed.Add(1)
	case resultRequeued:
		w.stats.Requeued.Add(1)
	case resultSkipped:
		w.stats.Skipped.Add(1)
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
