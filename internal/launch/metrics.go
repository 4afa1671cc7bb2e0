package launch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/lifecycle"
)

var allStates = []lifecycle.State{
	lifecycle.StateStopped,
	lifecycle.StateStarting,
	lifecycle.StateRunning,
	lifecycle.StateStopping,
	lifecycle.StateCrashed,
}

// stateObserver exports the lifecycle state as a one-hot gauge and logs crashes.
func stateObserver(reg prometheus.Registerer, logger zerolog.Logger) lifecycle.Observer {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "imgship",
			Subsystem: "server",
			Name:      "state",
			Help:      "Current lifecycle state (1 for the active state).",
		},
		[]string{"state"},
	)
	reg.MustRegister(gauge)
	for _, st := range allStates {
		gauge.WithLabelValues(st.String()).Set(0)
	}
	gauge.WithLabelValues(lifecycle.StateStopped.String()).Set(1)

	return func(previous, current lifecycle.State, reason string) {
		gauge.WithLabelValues(previous.String()).Set(0)
		gauge.WithLabelValues(current.String()).Set(1)
		if current == lifecycle.StateCrashed {
			logger.Error().Str("from", previous.String()).Str("reason", reason).Msg("server crashed")
		}
	}
}
