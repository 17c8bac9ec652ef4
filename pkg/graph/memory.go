package graph

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/model"
)

type nodeEntry struct {
	id         NodeID
	typ        model.NodeType
	naturalKey string

	firstSeen atomic.Int64
	lastSeen  atomic.Int64

	mu    sync.Mutex
	name  string
	attrs map[string]string
	out   []Edge
	in    []Edge
}

func (ne *nodeEntry) snapshot() Node {
	ne.mu.Lock()
	defer ne.mu.Unlock()
	attrs := make(map[string]string, len(ne.attrs))
	for k, v := range ne.attrs {
		attrs[k] = v
	}
	return Node{
		ID:         ne.id,
		Type:       ne.typ,
		NaturalKey: ne.naturalKey,
		Name:       ne.name,
		Attributes: attrs,
		FirstSeen:  time.Unix(0, ne.firstSeen.Load()).UTC(),
		LastSeen:   time.Unix(0, ne.lastSeen.Load()).UTC(),
	}
}

// MemoryStore is the in-process Store. Writers share mu; only eviction takes
// it exclusively.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    sync.Map // NodeID -> *nodeEntry
	edges    sync.Map // EdgeID -> Edge
	byOrigin sync.Map // origin event id -> EdgeID

	edgeSeq   atomic.Uint64
	nodeCount atomic.Int64
	edgeCount atomic.Int64

	nodesEvicted atomic.Int64
	edgesEvicted atomic.Int64

	sink   Sink
	logger zerolog.Logger
}

// NewMemoryStore creates an empty store. sink may be nil.
func NewMemoryStore(logger zerolog.Logger, sink Sink) *MemoryStore {
	return &MemoryStore{
		sink:   sink,
		logger: logger.With().Str("component", "graph_store").Logger(),
	}
}

// UpsertNode implements Store. The observation time is taken from LastSeen,
// falling back to FirstSeen and then the wall clock.
func (s *MemoryStore) UpsertNode(n Node) (NodeID, error) {
	if n.Type == "" || n.NaturalKey == "" {
		return "", fmt.Errorf("upsert node: type and natural key are required")
	}
	seen := n.LastSeen
	if seen.IsZero() {
		seen = n.FirstSeen
	}
	if seen.IsZero() {
		seen = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id := NodeIDFor(n.Type, n.NaturalKey)
	fresh := &nodeEntry{id: id, typ: n.Type, naturalKey: n.NaturalKey, name: n.Name, attrs: copyAttrs(n.Attributes)}
	fresh.firstSeen.Store(seen.UnixNano())
	fresh.lastSeen.Store(seen.UnixNano())

	actual, loaded := s.nodes.LoadOrStore(id, fresh)
	entry := actual.(*nodeEntry)
	if loaded {
		casMax(&entry.lastSeen, seen.UnixNano())
		casMin(&entry.firstSeen, seen.UnixNano())
		entry.mu.Lock()
		if entry.name == "" {
			entry.name = n.Name
		}
		for k, v := range n.Attributes {
			if _, ok := entry.attrs[k]; !ok {
				entry.attrs[k] = v
			}
		}
		entry.mu.Unlock()
	} else {
		s.nodeCount.Add(1)
	}

	if s.sink != nil {
		s.sink.NodeUpserted(entry.snapshot())
	}
	return id, nil
}

// AddEdge implements Store.
func (s *MemoryStore) AddEdge(e Edge) (EdgeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.entry(e.Source)
	if !ok {
		return "", vigilerrors.NewDanglingReference(string(e.Type), string(e.Source))
	}
	dst, ok := s.entry(e.Target)
	if !ok {
		return "", vigilerrors.NewDanglingReference(string(e.Type), string(e.Target))
	}

	e.ID = EdgeID(fmt.Sprintf("edge-%d", s.edgeSeq.Add(1)))
	if e.OriginEventID != "" {
		if existing, loaded := s.byOrigin.LoadOrStore(e.OriginEventID, e.ID); loaded {
			return existing.(EdgeID), nil
		}
	}

	s.edges.Store(e.ID, e)
	s.edgeCount.Add(1)

	src.mu.Lock()
	src.out = insertByTime(src.out, e)
	src.mu.Unlock()
	dst.mu.Lock()
	dst.in = insertByTime(dst.in, e)
	dst.mu.Unlock()

	if s.sink != nil {
		s.sink.EdgeAppended(e)
	}
	return e.ID, nil
}

// GetNode implements Store.
func (s *MemoryStore) GetNode(id NodeID) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entry(id)
	if !ok {
		return Node{}, false
	}
	return entry.snapshot(), true
}

// GetEdge implements Store.
func (s *MemoryStore) GetEdge(id EdgeID) (Edge, bool) {
	v, ok := s.edges.Load(id)
	if !ok {
		return Edge{}, false
	}
	return v.(Edge), true
}

// Neighbors implements Store.
func (s *MemoryStore) Neighbors(id NodeID, dir Direction, types []model.EdgeType, since time.Time) iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		s.mu.RLock()
		entry, ok := s.entry(id)
		if !ok {
			s.mu.RUnlock()
			return
		}

		entry.mu.Lock()
		var matched []Edge
		if dir == Outbound || dir == Both {
			matched = appendMatching(matched, entry.out, types, since)
		}
		if dir == Inbound || dir == Both {
			matched = appendMatching(matched, entry.in, types, since)
		}
		entry.mu.Unlock()
		s.mu.RUnlock()

		if dir == Both {
			// self loops appear in both lists
			seen := make(map[EdgeID]struct{}, len(matched))
			matched = slices.DeleteFunc(matched, func(e Edge) bool {
				if _, dup := seen[e.ID]; dup {
					return true
				}
				seen[e.ID] = struct{}{}
				return false
			})
			sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
		}

		for _, e := range matched {
			if !yield(e) {
				return
			}
		}
	}
}

// EvictOlderThan removes edges older than ts whose endpoints are not pinned,
// then nodes last seen before ts that are unpinned and no longer referenced
// by any edge. Edges never outlive their endpoints.
func (s *MemoryStore) EvictOlderThan(ts time.Time, pinned func(NodeID) bool) EvictionStats {
	if pinned == nil {
		pinned = func(NodeID) bool { return false }
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stats EvictionStats
	evicted := make(map[EdgeID]struct{})
	s.edges.Range(func(key, value any) bool {
		e := value.(Edge)
		if !e.Timestamp.Before(ts) || pinned(e.Source) || pinned(e.Target) {
			return true
		}
		evicted[e.ID] = struct{}{}
		s.edges.Delete(key)
		if e.OriginEventID != "" {
			s.byOrigin.Delete(e.OriginEventID)
		}
		return true
	})
	stats.EdgesEvicted = len(evicted)

	cutoff := ts.UnixNano()
	s.nodes.Range(func(key, value any) bool {
		entry := value.(*nodeEntry)
		entry.mu.Lock()
		entry.out = dropEvicted(entry.out, evicted)
		entry.in = dropEvicted(entry.in, evicted)
		referenced := len(entry.out) > 0 || len(entry.in) > 0
		entry.mu.Unlock()

		if entry.lastSeen.Load() >= cutoff {
			return true
		}
		if pinned(entry.id) {
			stats.NodesPinned++
			return true
		}
		if referenced {
			return true
		}
		s.nodes.Delete(key)
		stats.NodesEvicted++
		return true
	})

	s.nodeCount.Add(-int64(stats.NodesEvicted))
	s.edgeCount.Add(-int64(stats.EdgesEvicted))
	s.nodesEvicted.Add(int64(stats.NodesEvicted))
	s.edgesEvicted.Add(int64(stats.EdgesEvicted))

	if stats.NodesEvicted > 0 || stats.EdgesEvicted > 0 {
		s.logger.Debug().
			Int("nodes_evicted", stats.NodesEvicted).
			Int("edges_evicted", stats.EdgesEvicted).
			Int("nodes_pinned", stats.NodesPinned).
			Time("cutoff", ts).
			Msg("Graph eviction completed")
	}
	return stats
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		NodesByType:  make(map[model.NodeType]int),
		EdgesByType:  make(map[model.EdgeType]int),
		NodesEvicted: s.nodesEvicted.Load(),
		EdgesEvicted: s.edgesEvicted.Load(),
	}
	s.nodes.Range(func(_, value any) bool {
		st.Nodes++
		st.NodesByType[value.(*nodeEntry).typ]++
		return true
	})
	s.edges.Range(func(_, value any) bool {
		st.Edges++
		st.EdgesByType[value.(Edge).Type]++
		return true
	})
	return st
}

func (s *MemoryStore) entry(id NodeID) (*nodeEntry, bool) {
	v, ok := s.nodes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*nodeEntry), true
}

func insertByTime(list []Edge, e Edge) []Edge {
	n := len(list)
	if n == 0 || !e.Timestamp.Before(list[n-1].Timestamp) {
		return append(list, e)
	}
	i := sort.Search(n, func(i int) bool { return list[i].Timestamp.After(e.Timestamp) })
	return slices.Insert(list, i, e)
}

func appendMatching(dst, src []Edge, types []model.EdgeType, since time.Time) []Edge {
	for _, e := range src {
		if e.Timestamp.Before(since) {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, e.Type) {
			continue
		}
		dst = append(dst, e)
	}
	return dst
}

func dropEvicted(list []Edge, evicted map[EdgeID]struct{}) []Edge {
	if len(evicted) == 0 {
		return list
	}
	return slices.DeleteFunc(list, func(e Edge) bool {
		_, gone := evicted[e.ID]
		return gone
	})
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func casMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casMin(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v >= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
