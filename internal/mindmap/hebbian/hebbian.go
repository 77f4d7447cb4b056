// Package hebbian implements the co-activation learner (C4, spec §4.4):
// it records co-activation events off the query hot path and promotes
// repeated co-activation into first-class co_activates edges, decaying
// and pruning unused ones on a periodic tick.
package hebbian

import (
	"context"
	"sync"
	"time"

	"github.com/vthunder/mindmap/internal/logging"
	"github.com/vthunder/mindmap/internal/mindmap/graph"
)

// Defaults (spec §4.4, §9).
const (
	DefaultQueueCapacity  = 4096
	DefaultCoNodesBound   = 12
	DefaultNewWeight      = 0.2
	DefaultNewConfidence  = 0.3
	DefaultDecayInterval  = 60 * time.Second
	DefaultDecayWindow    = 15 * time.Minute
	DefaultDecayRate      = 0.95
	DefaultPruneThreshold = 0.05
	TransitiveThreshold   = 0.7
	TransitiveWeightScale = 0.5
	MaxTransitivePerNode  = 32 // bounds the transitive-discovery fan-out
)

// Event is one Co-activation Event (spec §3, ephemeral and bounded).
type Event struct {
	PrimaryNodeID string
	CoNodes       []string
	ContextTag    string
	Timestamp     time.Time
	Weight        float64
}

// GraphMutator is the capability interface the learner needs from the
// Graph Store (spec §9: "explicit capability interfaces" instead of
// direct cross-component handles). *graph.Store satisfies it.
type GraphMutator interface {
	AddEdge(e *graph.Edge) (graph.InsertOutcome, *graph.Edge, error)
	FindEdge(source, target string, kind graph.EdgeKind) (*graph.Edge, bool)
	OutgoingByKind(id string, kind graph.EdgeKind) []*graph.Edge
	DecayEdges(kind graph.EdgeKind, cutoff time.Time, rate, minWeight float64) int
	NodeExists(id string) bool
}

// Learner is the Hebbian Learner (C4). Submit is non-blocking: a bounded
// MPSC queue with drop-oldest semantics means the learner never blocks
// the Query Pipeline (spec §5, §7).
type Learner struct {
	graph GraphMutator
	queue chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Learner with the default queue capacity.
func New(g GraphMutator) *Learner {
	return &Learner{
		graph:  g,
		queue:  make(chan Event, DefaultQueueCapacity),
		stopCh: make(chan struct{}),
	}
}

// Submit enqueues a co-activation event, dropping the oldest queued event
// if the queue is full (spec §4.4 failure mode).
func (l *Learner) Submit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case l.queue <- e:
		return
	default:
	}
	select {
	case <-l.queue:
	default:
	}
	select {
	case l.queue <- e:
	default:
		// queue refilled concurrently by another producer; drop this event
	}
}

// Start launches the background consumer goroutine. Call Stop to shut it
// down; Start must be called at most once per Learner.
func (l *Learner) Start() {
	l.wg.Add(1)
	go l.consume()
}

// Stop signals the consumer to exit and waits for it to return. Events
// still queued when the signal arrives are not applied.
func (l *Learner) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Learner) consume() {
	defer l.wg.Done()
	const maxBurst = 64
	for {
		select {
		case <-l.stopCh:
			return
		case first := <-l.queue:
			batch := make([]Event, 0, maxBurst)
			batch = append(batch, first)
		drain:
			for len(batch) < maxBurst {
				select {
				case e := <-l.queue:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			l.applyBatch(batch)
		}
	}
}

// applyBatch strengthens co-activation pairs for a burst of events,
// taking the Graph Store's write lock only for the duration of each
// AddEdge call (bounded bursts, spec §5).
func (l *Learner) applyBatch(batch []Event) {
	for _, e := range batch {
		coNodes := e.CoNodes
		if len(coNodes) > DefaultCoNodesBound {
			coNodes = coNodes[:DefaultCoNodesBound]
		}
		for _, co := range coNodes {
			if co == e.PrimaryNodeID {
				continue
			}
			l.reinforcePair(e.PrimaryNodeID, co, e.ContextTag)
		}
	}
}

func (l *Learner) reinforcePair(primary, co, contextTag string) {
	if !l.graph.NodeExists(primary) || !l.graph.NodeExists(co) {
		return
	}
	edge := graph.NewEdge("", primary, co, graph.EdgeCoActivates, DefaultNewWeight, DefaultNewConfidence)
	if contextTag != "" {
		edge.ContextTag[contextTag] = struct{}{}
	}
	_, reinforced, err := l.graph.AddEdge(edge)
	if err != nil {
		logging.Debug("hebbian", "reinforce %s<->%s: %v", primary, co, err)
		return
	}
	if reinforced.Weight >= TransitiveThreshold {
		l.discoverTransitive(primary, co, reinforced.Weight)
	}
}

// discoverTransitive synthesizes A-relates_to->C when A-co_activates->B
// and B-co_activates->C both have weight >= TransitiveThreshold (spec
// §4.4, optional and bounded). a and b are the two endpoints that were
// just reinforced; c ranges over b's other co_activates neighbors.
func (l *Learner) discoverTransitive(a, b string, weightAB float64) {
	outgoing := l.graph.OutgoingByKind(b, graph.EdgeCoActivates)
	if len(outgoing) > MaxTransitivePerNode {
		outgoing = outgoing[:MaxTransitivePerNode]
	}
	for _, bc := range outgoing {
		if bc.Weight < TransitiveThreshold {
			continue
		}
		c := bc.Target
		if c == a || c == b {
			continue
		}
		if _, exists := l.graph.FindEdge(a, c, graph.EdgeRelatesTo); exists {
			continue
		}
		weight := TransitiveWeightScale * minFloat(weightAB, bc.Weight)
		l.graph.AddEdge(graph.NewEdge("", a, c, graph.EdgeRelatesTo, weight, 0.3))
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RunDecayTicker runs the periodic decay tick (spec §4.4) until ctx is
// canceled. Driven by time.Ticker, which reads the monotonic clock.
func (l *Learner) RunDecayTicker(ctx context.Context, interval, window time.Duration, rate, minWeight float64) {
	if interval <= 0 {
		interval = DefaultDecayInterval
	}
	if window <= 0 {
		window = DefaultDecayWindow
	}
	if rate <= 0 {
		rate = DefaultDecayRate
	}
	if minWeight <= 0 {
		minWeight = DefaultPruneThreshold
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-window)
			pruned := l.graph.DecayEdges(graph.EdgeCoActivates, cutoff, rate, minWeight)
			if pruned > 0 {
				logging.Debug("hebbian", "decay tick pruned %d co_activates edges", pruned)
			}
		}
	}
}

// Stats summarizes the learner for get_hebbian_stats (spec §6.2). Callers
// typically combine this with a graph-level scan for the co_activates
// edge population since the learner itself holds no edge state.
type Stats struct {
	TotalConnections  int
	AverageStrength   float64
	StrongConnections int
	RecentActivity    int
	LearningRate      float64
	DecayRate         float64
}
