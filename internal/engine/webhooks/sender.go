package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"tripmail/internal/platform/models"
)

const userAgent = "tripmail-webhooks/1.0"

// SendResult describes one HTTP attempt. StatusCode is nil when no response
// arrived.
type SendResult struct {
	OK         bool
	StatusCode *int
	Body       string
}

type Sender struct {
	client  *http.Client
	maxBody int
	now     func() time.Time
}

// NewSender builds a client that never follows redirects. A 3xx counts as a
// failed attempt.
func NewSender(timeout time.Duration, maxBody int) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: maxBody,
		now:     time.Now,
	}
}

// Send POSTs the stored payload signed with secret.
func (s *Sender) Send(ctx context.Context, url, secret string, d *models.WebhookDelivery) SendResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.Payload))
	if err != nil {
		return SendResult{Body: s.truncate(fmt.Sprintf("build request: %v", err))}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Signature", Sign(secret, d.Payload))
	req.Header.Set("X-Webhook-Event", d.Event)
	req.Header.Set("X-Webhook-Delivery", d.ID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(s.now().Unix(), 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{Body: s.truncate(err.Error())}
	}
	defer resp.Body.Close()

	// Bytes, not chars: enough for maxBody multi-byte runes.
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxBody)*utf8.UTFMax))
	code := resp.StatusCode

	body := s.truncate(string(raw))
	if readErr != nil {
		log.Warn().Err(readErr).
			Str("delivery_id", d.ID).
			Int("response_code", code).
			Msg("Webhook response body cut short")
		// The note must survive truncation.
		note := fmt.Sprintf(" [body read error: %v]", readErr)
		body = s.truncate(truncateRunes(string(raw), s.maxBody-utf8.RuneCountInString(note)) + note)
	}

	return SendResult{
		OK:         code >= 200 && code < 300,
		StatusCode: &code,
		Body:       body,
	}
}

// truncate keeps at most maxBody characters.
func (s *Sender) truncate(body string) string {
	return truncateRunes(body, s.maxBody)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
