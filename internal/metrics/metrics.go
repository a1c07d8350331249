package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kazz187/packetguild/internal/eventbus"
)

const namespace = "packetguild"

// Metrics turns bus events into prometheus series.
type Metrics struct {
	registry *prometheus.Registry

	phaseTransitions  *prometheus.CounterVec
	gateRejections    *prometheus.CounterVec
	unitEvents        *prometheus.CounterVec
	misclassified     prometheus.Counter
	supervisionPasses prometheus.Counter
	staleCheckpoints  prometheus.Counter
	checkpointCounter prometheus.Gauge
	artifacts         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "phase_transitions_total",
			Help: "Task packet phase transitions by target phase.",
		}, []string{"phase"}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_rejections_total",
			Help: "Transitions refused by a gate, by gate kind.",
		}, []string{"kind"}),
		unitEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "unit_events_total",
			Help: "Worker unit lifecycle events by role and event.",
		}, []string{"role", "event"}),
		misclassified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "independence_misclassifications_total",
			Help: "Subtask pairs found to conflict after being classified independent.",
		}),
		supervisionPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "supervision_passes_total",
			Help: "Checkpoint monitor supervision passes.",
		}),
		staleCheckpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_stale_total",
			Help: "Monitor calls that found the timer silent with live units.",
		}),
		checkpointCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "checkpoint_counter",
			Help: "Last checkpoint counter written by the coordination timer.",
		}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "artifacts_persisted_total",
			Help: "Artifacts persisted by category.",
		}, []string{"category"}),
	}
	reg.MustRegister(
		m.phaseTransitions, m.gateRejections, m.unitEvents, m.misclassified,
		m.supervisionPasses, m.staleCheckpoints, m.checkpointCounter, m.artifacts,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus *eventbus.Bus) {
	id, ch := bus.Subscribe(256)
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

func (m *Metrics) Observe(ev *eventbus.Event) {
	switch ev.Type {
	case eventbus.PhaseAdvanced:
		m.phaseTransitions.WithLabelValues(ev.Metadata["to"]).Inc()
	case eventbus.GateRejected:
		m.gateRejections.WithLabelValues(ev.Metadata["kind"]).Inc()
	case eventbus.UnitStarted:
		m.unitEvents.WithLabelValues(ev.Metadata["role"], "started").Inc()
	case eventbus.UnitFinished:
		m.unitEvents.WithLabelValues(ev.Metadata["role"], ev.Metadata["status"]).Inc()
	case eventbus.UnitBlocked:
		m.unitEvents.WithLabelValues(ev.Metadata["role"], "blocked").Inc()
	case eventbus.Misclassification:
		m.misclassified.Inc()
	case eventbus.SupervisionPass:
		m.supervisionPasses.Inc()
	case eventbus.CheckpointStale:
		m.staleCheckpoints.Inc()
	case eventbus.CheckpointTick:
		if n, err := strconv.Atoi(ev.Metadata["counter"]); err == nil {
			m.checkpointCounter.Set(float64(n))
		}
	case eventbus.ArtifactPersisted:
		m.artifacts.WithLabelValues(ev.Metadata["category"]).Inc()
	}
}
