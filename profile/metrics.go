package profile

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional, nil-safe collection of counters for the
// aggregation pipeline. A nil *Metrics (the default) is a valid
// receiver for every method here and simply does nothing, matching
// the teacher's NewMetrics(reg) pattern of skipping registration
// entirely when reg is nil.
type Metrics struct {
	ElfErrors            *prometheus.CounterVec
	SymbolLookups        *prometheus.CounterVec
	Samples              *prometheus.CounterVec
	DroppedMemoryObjects prometheus.Counter
}

// NewMetrics builds a Metrics and, if reg is non-nil, registers its
// collectors against it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ElfErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfgrind_elf_errors_total",
			Help: "Total number of ELF extraction failures by error class, encountered while building symbol tables.",
		}, []string{"kind"}),
		SymbolLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfgrind_symbol_lookups_total",
			Help: "Total number of address-to-symbol lookups, by outcome.",
		}, []string{"result"}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfgrind_samples_total",
			Help: "Total number of PERF_RECORD_SAMPLE records processed, by outcome.",
		}, []string{"result"}),
		DroppedMemoryObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfgrind_dropped_memory_objects_total",
			Help: "Total number of memory objects dropped at end-of-stream for having no entries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ElfErrors, m.SymbolLookups, m.Samples, m.DroppedMemoryObjects)
	}
	return m
}

// ElfError implements resolver.Recorder.
func (m *Metrics) ElfError(kind string) {
	if m == nil {
		return
	}
	m.ElfErrors.WithLabelValues(kind).Inc()
}

// Lookup implements resolver.Recorder.
func (m *Metrics) Lookup(resolved bool) {
	if m == nil {
		return
	}
	result := "unresolved"
	if resolved {
		result = "resolved"
	}
	m.SymbolLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) sample(result string) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues(result).Inc()
}

func (m *Metrics) droppedMemoryObject() {
	if m == nil {
		return
	}
	m.DroppedMemoryObjects.Inc()
}
