// Package metrics exports study progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spachava753/tuner/internal/models"
	"github.com/spachava753/tuner/internal/study"
)

const namespace = "tuner"

// Metrics holds the collectors of one registry.
type Metrics struct {
	TrialsFinished *prometheus.CounterVec
	TrialDuration  *prometheus.HistogramVec
	BestValue      *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Labels: study, state (COMPLETE, PRUNED, FAIL)
		TrialsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_finished_total",
			Help:      "Total finished trials by study and final state",
		}, []string{"study", "state"}),

		TrialDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trial_duration_seconds",
			Help:      "Wall time from trial start to finish in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"study"}),

		BestValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_value",
			Help:      "Best objective value among completed trials",
		}, []string{"study"}),
	}
}

// Callback returns an optimize callback that records each finished trial.
func (m *Metrics) Callback() study.Callback {
	return func(ctx context.Context, st *study.Study, trial models.FrozenTrial) {
		m.TrialsFinished.WithLabelValues(st.Name(), string(trial.State)).Inc()

		if trial.DatetimeStart != nil && trial.DatetimeComplete != nil {
			d := trial.DatetimeComplete.Sub(*trial.DatetimeStart).Seconds()
			m.TrialDuration.WithLabelValues(st.Name()).Observe(d)
		}

		if trial.State != models.TrialComplete {
			return
		}
		best, err := st.BestValue(context.WithoutCancel(ctx))
		if err != nil {
			slog.Warn("reading best value", "study", st.Name(), "error", err)
			return
		}
		m.BestValue.WithLabelValues(st.Name()).Set(best)
	}
}

// Serve exposes the metrics of gatherer on addr under /metrics until ctx is
// done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
