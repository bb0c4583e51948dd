package lib

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NodesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_nodes_created_total",
		Help: "Connection nodes created",
	})
	NodesDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_nodes_destroyed_total",
		Help: "Connection nodes destroyed",
	})
	NodesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iwcm_nodes_active",
		Help: "Connection nodes currently linked in the connection table",
	})
	ListenersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_listeners_created_total",
		Help: "Listeners created by the upper layer",
	})
	ListenersDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_listeners_destroyed_total",
		Help: "Listeners destroyed by the upper layer",
	})
	ListenNodesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_listen_nodes_created_total",
		Help: "Listen nodes allocated",
	})
	ListenNodesDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_listen_nodes_destroyed_total",
		Help: "Listen nodes freed",
	})
	Accepts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_accepts_total",
		Help: "Connection requests accepted",
	})
	Rejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_rejects_total",
		Help: "Connection requests rejected",
	})
	ConnectErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_connect_errors_total",
		Help: "Active open failures",
	})
	PassiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_passive_errors_total",
		Help: "Passive open failures",
	})
	BacklogDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_backlog_drops_total",
		Help: "SYNs dropped because the listen backlog was full",
	})
	PacketsRetransmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iwcm_packets_retransmitted_total",
		Help: "Segments retransmitted by the timer",
	})
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iwcm_packets_dropped_total",
		Help: "Inbound segments dropped before or during processing",
	}, []string{"reason"})
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iwcm_events_delivered_total",
		Help: "Events delivered to the upper layer",
	}, []string{"type"})
)

// Drop reasons.
const (
	dropDecode      = "decode"
	dropNoNode      = "no_node"
	dropNoListener  = "no_listener"
	dropOffloaded   = "offloaded"
	dropSequence    = "sequence"
	dropBacklog     = "backlog"
	dropNodeFailure = "node_alloc"
	dropCoreClosed  = "core_closed"
)

// statCounter keeps a per-core count next to the process-wide prometheus counter.
type statCounter struct {
	n    atomic.Uint64
	prom prometheus.Counter
}

func (s *statCounter) inc() {
	s.n.Add(1)
	s.prom.Inc()
}

func (s *statCounter) load() uint64 {
	return s.n.Load()
}

type cmStats struct {
	nodesCreated         statCounter
	nodesDestroyed       statCounter
	listenersCreated     statCounter
	listenersDestroyed   statCounter
	listenNodesCreated   statCounter
	listenNodesDestroyed statCounter
	accepts              statCounter
	rejects              statCounter
	connectErrs          statCounter
	passiveErrs          statCounter
	backlogDrops         statCounter
	pktRetrans           statCounter
}

func newCmStats() *cmStats {
	s := &cmStats{}
	s.nodesCreated.prom = NodesCreated
	s.nodesDestroyed.prom = NodesDestroyed
	s.listenersCreated.prom = ListenersCreated
	s.listenersDestroyed.prom = ListenersDestroyed
	s.listenNodesCreated.prom = ListenNodesCreated
	s.listenNodesDestroyed.prom = ListenNodesDestroyed
	s.accepts.prom = Accepts
	s.rejects.prom = Rejects
	s.connectErrs.prom = ConnectErrors
	s.passiveErrs.prom = PassiveErrors
	s.backlogDrops.prom = BacklogDrops
	s.pktRetrans.prom = PacketsRetransmitted
	return s
}

// Stats is a point in time copy of the connection manager counters.
type Stats struct {
	NodesCreated         uint64
	NodesDestroyed       uint64
	ListenersCreated     uint64
	ListenersDestroyed   uint64
	ListenNodesCreated   uint64
	ListenNodesDestroyed uint64
	Accepts              uint64
	Rejects              uint64
	ConnectErrors        uint64
	PassiveErrors        uint64
	BacklogDrops         uint64
	PacketsRetransmitted uint64
	ActiveNodes          int
	Listeners            int
}

func (s *cmStats) snapshot() Stats {
	return Stats{
		NodesCreated:         s.nodesCreated.load(),
		NodesDestroyed:       s.nodesDestroyed.load(),
		ListenersCreated:     s.listenersCreated.load(),
		ListenersDestroyed:   s.listenersDestroyed.load(),
		ListenNodesCreated:   s.listenNodesCreated.load(),
		ListenNodesDestroyed: s.listenNodesDestroyed.load(),
		Accepts:              s.accepts.load(),
		Rejects:              s.rejects.load(),
		ConnectErrors:        s.connectErrs.load(),
		PassiveErrors:        s.passiveErrs.load(),
		BacklogDrops:         s.backlogDrops.load(),
		PacketsRetransmitted: s.pktRetrans.load(),
	}
}

func countDrop(reason string) {
	PacketsDropped.WithLabelValues(reason).Inc()
}
