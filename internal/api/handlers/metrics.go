package handlers

import (
	"fmt"
	"net/http"

	"tripmail/internal/engine/webhooks"
)

// MetricsHandler exports worker counters in the Prometheus text format.
type MetricsHandler struct {
	stats *webhooks.Stats
}

func NewMetricsHandler(stats *webhooks.Stats) *MetricsHandler {
	return &MetricsHandler{stats: stats}
}

func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	s := h.stats.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP tripmail_up Is the server up\n")
	fmt.Fprintf(w, "# TYPE tripmail_up gauge\n")
	fmt.Fprintf(w, "tripmail_up 1\n")

	counter(w, "tripmail_webhook_passes_total", "Delivery passes run", s.Passes)
	counter(w, "tripmail_webhook_delivered_total", "Deliveries acknowledged with a 2xx", s.Delivered)
	counter(w, "tripmail_webhook_failed_total", "Delivery attempts that did not get a 2xx", s.Failed)
	counter(w, "tripmail_webhook_requeued_total", "Deliveries put back for a disabled webhook", s.Requeued)
	counter(w, "tripmail_webhook_skipped_total", "Deliveries dropped for a deleted webhook", s.Skipped)
	counter(w, "tripmail_webhook_errors_total", "Delivery outcomes that could not be recorded", s.Errors)
}

func counter(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}
