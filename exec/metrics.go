package exec

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-pipeline counters exposed on cmd/flowd's
// /metrics surface (SPEC_FULL.md DOMAIN STACK: prometheus/client_golang
// sourced from the wider pack for exactly this kind of long-lived
// worker counter).
type Metrics struct {
	recordsIn  prometheus.Counter
	recordsOut prometheus.Counter
	buffersOut prometheus.Counter
}

// NewMetrics registers (or, if already registered for this
// pipelineId, re-uses) the counters for one pipeline under reg.
func NewMetrics(reg prometheus.Registerer, pipelineLabel string) *Metrics {
	m := &Metrics{
		recordsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_pipeline_records_in_total",
			Help:        "Records consumed by a pipeline's Scan stage.",
			ConstLabels: prometheus.Labels{"pipeline": pipelineLabel},
		}),
		recordsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_pipeline_records_out_total",
			Help:        "Records flushed by a pipeline's Emit stage.",
			ConstLabels: prometheus.Labels{"pipeline": pipelineLabel},
		}),
		buffersOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "flowcore_pipeline_buffers_out_total",
			Help:        "Output buffers flushed by a pipeline's Emit stage.",
			ConstLabels: prometheus.Labels{"pipeline": pipelineLabel},
		}),
	}
	if reg != nil {
		for _, c := range []*prometheus.Counter{&m.recordsIn, &m.recordsOut, &m.buffersOut} {
			if err := reg.Register(*c); err != nil {
				are, ok := err.(prometheus.AlreadyRegisteredError)
				if !ok {
					panic(err)
				}
				*c = are.ExistingCollector.(prometheus.Counter)
			}
		}
	}
	return m
}
