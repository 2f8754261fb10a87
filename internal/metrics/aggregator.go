package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"go.miloapis.com/eventhistory/internal/events"
)

const unknownLabel = "unknown"

// Aggregator turns accepted events into the kubeevents_* counters.
// It keeps no state beyond the counters themselves.
type Aggregator struct {
	total           prometheus.Counter
	byType          *prometheus.CounterVec
	byNamespace     *prometheus.CounterVec
	byNamespaceType *prometheus.CounterVec
	byInvolved      *prometheus.CounterVec
	byComponent     *prometheus.CounterVec
	byHost          *prometheus.CounterVec
	byDeployment    *prometheus.CounterVec
	byPod           *prometheus.CounterVec
}

// NewAggregator creates the event counters and registers them with reg.
func NewAggregator(reg prometheus.Registerer) *Aggregator {
	a := &Aggregator{
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total",
			Help:      "Total number of Kubernetes events received",
		}),
		byType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "type_total",
			Help:      "Events by type",
		}, []string{"type"}),
		byNamespace: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "namespace_total",
			Help:      "Events by namespace",
		}, []string{"namespace"}),
		byNamespaceType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "namespace_type_total",
			Help:      "Events by namespace and type",
		}, []string{"namespace", "type"}),
		byInvolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "involved_total",
			Help:      "Events by involved object",
		}, []string{"namespace", "type", "kind", "involved_name", "reason", "component"}),
		byComponent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_total",
			Help:      "Events by reporting component",
		}, []string{"component"}),
		byHost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_total",
			Help:      "Events by node/host",
		}, []string{"host"}),
		byDeployment: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_total",
			Help:      "Events by deployment",
		}, []string{"namespace", "deployment", "type"}),
		byPod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pod_total",
			Help:      "Events by pod",
		}, []string{"namespace", "pod", "type"}),
	}

	reg.MustRegister(
		a.total,
		a.byType,
		a.byNamespace,
		a.byNamespaceType,
		a.byInvolved,
		a.byComponent,
		a.byHost,
		a.byDeployment,
		a.byPod,
	)

	return a
}

// Record increments every counter that applies to ev. It must only be called
// for events that passed deduplication.
func (a *Aggregator) Record(ev *events.ClusterEvent) {
	ns := labelOrUnknown(ev.Namespace)
	typ := labelOrUnknown(ev.Type)
	kind := labelOrUnknown(ev.InvolvedKind)
	involved := labelOrUnknown(ev.InvolvedName)
	reason := labelOrUnknown(ev.Reason)
	component := labelOrUnknown(ev.ReportingComponent)

	a.total.Inc()
	a.byType.WithLabelValues(typ).Inc()
	a.byNamespace.WithLabelValues(ns).Inc()
	a.byNamespaceType.WithLabelValues(ns, typ).Inc()
	a.byInvolved.WithLabelValues(ns, typ, kind, involved, reason, component).Inc()

	switch ev.InvolvedKind {
	case "Pod":
		a.byPod.WithLabelValues(ns, involved, typ).Inc()
	case "Deployment":
		a.byDeployment.WithLabelValues(ns, involved, typ).Inc()
	}

	if ev.ReportingComponent != "" {
		a.byComponent.WithLabelValues(ev.ReportingComponent).Inc()
	}
	if ev.SourceHost != "" {
		a.byHost.WithLabelValues(ev.SourceHost).Inc()
	}
}

func labelOrUnknown(v string) string {
	if v == "" {
		return unknownLabel
	}
	return v
}
