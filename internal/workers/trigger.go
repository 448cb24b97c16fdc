package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"tripmail/internal/engine/webhooks"
	"tripmail/internal/platform/config"
)

// Trigger invokes the process endpoint the way an external cron would. The
// next tick is the retry for a failed invocation.
type Trigger struct {
	url    string
	secret string
	client *http.Client
}

func NewTrigger(cfg config.SchedulerConfig, cronSecret string) *Trigger {
	return &Trigger{
		url:    cfg.ProcessURL,
		secret: cronSecret,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type processResponse struct {
	Data *webhooks.PassSummary `json:"data"`
}

// Invoke runs one pass remotely and returns its summary.
func (t *Trigger) Invoke(ctx context.Context) (*webhooks.PassSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build process request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.secret)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call process endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("process endpoint returned %d: %s", resp.StatusCode, body)
	}

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode process response: %w", err)
	}
	if out.Data == nil {
		return nil, fmt.Errorf("process response has no data")
	}
	return out.Data, nil
}

// Run invokes the endpoint every interval until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Trigger) tick(ctx context.Context) {
	summary, err := t.Invoke(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("url", t.url).Msg("Webhook process invocation failed")
		return
	}
	if summary.Idle() {
		return
	}

	log.Info().
		Int("fetched", summary.Fetched).
		Int("success", summary.Success).
		Int("failed", summary.Failed).
		Int("requeued", summary.Requeued).
		Int("skipped", summary.Skipped).
		Int64("elapsed_ms", summary.ElapsedMS).
		Msg("Webhook pass completed")
}
