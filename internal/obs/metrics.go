package obs

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	OpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portmux_connections_opened_total",
		Help: "Client connections accepted and paired with an upstream",
	}, []string{"proxy"})
	ClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portmux_connections_closed_total",
		Help: "Relay pairs fully torn down",
	}, []string{"proxy"})
	DialErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portmux_dial_errors_total",
		Help: "Upstream dial or tunnel handshake failures",
	}, []string{"proxy"})
	ActiveRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portmux_active_relays",
		Help: "Relay pairs currently open",
	})
)

// StartMetricsServer serves prometheus metrics and a health endpoint. It
// blocks, so callers run it in a goroutine.
func StartMetricsServer(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
	}
}
