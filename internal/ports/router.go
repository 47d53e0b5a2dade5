package ports

import (
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var portRoutesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "saba_port_routes_total",
	Help: "Port value routings by result.",
}, []string{"result"})

// ValueSink delivers a transformed value to a target device inport. Sends are
// fire-and-forget: the router never blocks on network I/O, it only records
// the boolean outcome.
type ValueSink interface {
	SendPortValue(deviceID, port string, value float64) error
}

// Stats is a snapshot of the router's aggregate counters.
type Stats struct {
	Routed  uint64 `json:"routed"`
	Dropped uint64 `json:"dropped"`
	NoRoute uint64 `json:"no_route"`
}

// Router fans inbound port data out across the matrix.
type Router struct {
	matrix *Matrix
	sink   ValueSink
	logger *slog.Logger

	routed  atomic.Uint64
	dropped atomic.Uint64
	noRoute atomic.Uint64
}

// NewRouter creates a port router over a matrix and a value sink.
func NewRouter(matrix *Matrix, sink ValueSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		matrix: matrix,
		sink:   sink,
		logger: logger.With("component", "ports.router"),
	}
}

// SetSink wires the sink after construction.
func (r *Router) SetSink(sink ValueSink) {
	r.sink = sink
}

// Route handles one inbound ports/data value. Targets are visited in edge
// insertion order; transport failures count as dropped and never propagate.
// Returns (delivered, dropped) for the invocation.
func (r *Router) Route(deviceID, port string, value float64) (int, int) {
	source := deviceID + "/" + port
	edges := r.matrix.EdgesFrom(source)
	if len(edges) == 0 {
		r.noRoute.Add(1)
		portRoutesTotal.WithLabelValues("noop").Inc()
		return 0, 0
	}

	delivered, dropped := 0, 0
	for _, edge := range edges {
		out := edge.Transform.Apply(value)
		targetDevice, targetPort, err := SplitPortID(edge.Target)
		if err != nil {
			dropped++
			r.logger.Warn("bad target port id", "target", edge.Target, "error", err)
			continue
		}
		if err := r.sink.SendPortValue(targetDevice, targetPort, out); err != nil {
			dropped++
			r.logger.Debug("port value dropped",
				"source", source,
				"target", edge.Target,
				"error", err,
			)
			continue
		}
		delivered++
	}
	r.routed.Add(uint64(delivered))
	r.dropped.Add(uint64(dropped))
	portRoutesTotal.WithLabelValues("routed").Add(float64(delivered))
	portRoutesTotal.WithLabelValues("dropped").Add(float64(dropped))
	return delivered, dropped
}

// Stats returns the aggregate counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:  r.routed.Load(),
		Dropped: r.dropped.Load(),
		NoRoute: r.noRoute.Load(),
	}
}
