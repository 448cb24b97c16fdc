package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmail/internal/engine/webhooks"
	"tripmail/internal/platform/config"
	"tripmail/internal/platform/models"
)

type stubRunner struct {
	summary *webhooks.PassSummary
	err     error
}

func (s stubRunner) RunPass(context.Context) (*webhooks.PassSummary, error) {
	return s.summary, s.err
}

func TestProcess(t *testing.T) {
	const path = "/api/internal/webhooks/process"

	h := NewInternalHandler(stubRunner{summary: &webhooks.PassSummary{Fetched: 3, Processed: 3, Success: 2, Failed: 1, ElapsedMS: 12}}, nil, time.Minute)
	rec := serve(h.Process, http.MethodPost, path, path, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	decodeData(t, rec, &got)
	assert.Equal(t, float64(3), got["fetched"])
	assert.Equal(t, float64(2), got["success"])
	assert.Equal(t, float64(1), got["failed"])

	h = NewInternalHandler(stubRunner{err: errors.New("claim failed")}, nil, time.Minute)
	rec = serve(h.Process, http.MethodGet, path, path, "", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decode(t, rec).Error.Message)
}

func TestDispatchEndpoint(t *testing.T) {
	const path = "/api/internal/webhooks/dispatch"

	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, models.TierPro)
	hook := f.seedWebhook(t, owner, "https://hooks.example.com/1")

	h := NewInternalHandler(nil, f.dispatcher, time.Minute)

	body := `{"user_id":"` + owner + `","trip_id":"trip-1","event":"trip.created","data":{"trip":{"id":"trip-1","api_key":"leak"}}}`
	rec := serve(h.Dispatch, http.MethodPost, path, path, "", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var got webhooks.DispatchResult
	decodeData(t, rec, &got)
	assert.Equal(t, 1, got.WebhookCount)
	assert.Equal(t, 1, got.DeliveryCount)

	list, err := f.deliveries.ListRecent(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	d, err := f.deliveries.Get(ctx, hook.ID, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "trip.created", d.Event)
	assert.NotContains(t, string(d.Payload), "leak")

	tests := []struct {
		body  string
		field string
	}{
		{`{"user_id":"nope","event":"trip.created"}`, "user_id"},
		{`{"user_id":"` + uuid.New().String() + `","event":"ping"}`, "event"},
		{`{"user_id":"` + owner + `","event":"trip.created","data":[1]}`, "data"},
		{`{"user_id":"` + owner + `","event":"trip.created","trip_id":5}`, "trip_id"},
	}
	for _, tt := range tests {
		rec := serve(h.Dispatch, http.MethodPost, path, path, "", tt.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, tt.body)
		assert.Equal(t, tt.field, decode(t, rec).Error.Field)
	}
}

type ctxRunner struct {
	ctx chan context.Context
}

func (c ctxRunner) RunPass(ctx context.Context) (*webhooks.PassSummary, error) {
	c.ctx <- ctx
	return &webhooks.PassSummary{}, nil
}

func TestProcessDetachesPassFromRequest(t *testing.T) {
	runner := ctxRunner{ctx: make(chan context.Context, 1)}
	h := NewInternalHandler(runner, nil, 30*time.Second)

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/internal/webhooks/process", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	h.Process(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	passCtx := <-runner.ctx
	assert.NoError(t, passCtx.Err())
	deadline, ok := passCtx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), deadline, 5*time.Second)
}

func TestProcessFinishesSendAfterCallerGivesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, models.TierPro)

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	hook := f.seedWebhook(t, owner, receiver.URL)
	queued, err := f.dispatcher.QueueTest(ctx, hook)
	require.NoError(t, err)

	worker := webhooks.NewWorker(f.deliveries, f.webhooks, f.box, nil, config.WebhooksConfig{
		RequestTimeout:     5 * time.Second,
		BatchSize:          10,
		MaxParallel:        2,
		PerUserConcurrency: 2,
		MaxResponseBody:    500,
		RetrySchedule:      []time.Duration{time.Minute},
	})
	h := NewInternalHandler(worker, nil, time.Minute)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/internal/webhooks/process", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.Process(rec, req)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		close(unblock)
		t.Fatal("delivery was not sent")
	}
	cancel()
	close(unblock)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not return")
	}
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.deliveries.Get(ctx, hook.ID, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySuccess, got.Status)
	assert.Equal(t, 1, got.Attempts)
}
