package iterators

import (
	"fmt"

	"github.com/aleksaelezovic/sage/pkg/sparql"
	"github.com/aleksaelezovic/sage/pkg/sparql/plan"
	"github.com/aleksaelezovic/sage/pkg/sparql/topk"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// TopK is the server-side TOP-K: it accumulates the K best solutions of its
// child and streams them best-first once the child is exhausted. Nothing is
// returned while the child still produces.
//
// TopK never raises sparql.ErrTOPKLimitReached. The optimizer only builds it
// for K up to the max_topk cap, so its structure cannot outgrow the cap; larger
// limits get a PartialTopK, which does raise the signal.
type TopK struct {
	source    Iterator
	structure *topk.TOPKStruct
	done      bool // child exhausted
}

// NewTopK creates a server-side TOP-K
func NewTopK(source Iterator, order *topk.Order, limit int) *TopK {
	return &TopK{source: source, structure: topk.New(order, limit)}
}

func loadTopK(source Iterator, order *topk.Order, saved *plan.TopK) *TopK {
	t := NewTopK(source, order, int(saved.Limit))
	for _, mu := range saved.Entries {
		t.structure.Insert(mu)
	}
	return t
}

func (t *TopK) Child() Iterator { return t.source }

// Structure returns the TOP-K structure
func (t *TopK) Structure() *topk.TOPKStruct {
	return t.structure
}

func (t *TopK) publish(ec *ExecutionContext) {
	if entry, ok := t.structure.Threshold(); ok {
		ec.PublishThreshold(entry.Mapping)
	}
}

func (t *TopK) Next(ec *ExecutionContext) (store.Mapping, error) {
	if !t.done {
		t.publish(ec)
		for {
			mu, err := t.source.Next(ec)
			if err != nil {
				return nil, err
			}
			if mu == nil {
				break
			}
			if t.structure.Insert(mu) {
				t.publish(ec)
			}
		}
		t.done = true
	}
	mu, _ := t.structure.PopBest()
	return mu, nil
}

func (t *TopK) NextStage(mu store.Mapping) {
	t.structure = topk.New(t.structure.Order(), t.structure.Limit())
	t.done = false
	t.source.NextStage(mu)
}

// Pop returns nothing: the K best are only known once the child is exhausted
func (t *TopK) Pop(ec *ExecutionContext) (store.Mapping, error) {
	return nil, nil
}

func (t *TopK) Save() plan.Node {
	return &plan.TopK{
		Source:  t.source.Save(),
		Order:   t.structure.Order().String(),
		Limit:   int64(t.structure.Limit()),
		Entries: t.structure.Mappings(),
	}
}

func (t *TopK) Variables() []string {
	return t.source.Variables()
}

func (t *TopK) Explain(indent int) string {
	return explainLine(indent, t) + t.source.Explain(indent+1)
}

func (t *TopK) String() string {
	return fmt.Sprintf("TopK(%s, k=%d)", t.structure.Order(), t.structure.Limit())
}

func (t *TopK) Close() error {
	return t.source.Close()
}

// PartialTopK is the client-assisted TOP-K. Each quantum keeps a local
// top-k of at most min(K, MaxTopK) solutions that beat the moving
// threshold. The local entries are returned when the quantum ends, and the
// client merges the pages with topk.Merge, feeding the merged threshold back.
type PartialTopK struct {
	source    Iterator
	order     *topk.Order
	limit     int
	local     *topk.TOPKStruct
	threshold store.Mapping
	key       topk.Key // keys of threshold
	done      bool
}

// NewPartialTopK creates a client-assisted TOP-K keeping at most capacity
// solutions per quantum.
func NewPartialTopK(source Iterator, order *topk.Order, limit, capacity int) *PartialTopK {
	return &PartialTopK{
		source: source,
		order:  order,
		limit:  limit,
		local:  topk.New(order, min(limit, capacity)),
	}
}

func loadPartialTopK(source Iterator, order *topk.Order, saved *plan.PartialTopK, capacity int) *PartialTopK {
	t := NewPartialTopK(source, order, int(saved.Limit), max(capacity, len(saved.Entries)))
	t.setThreshold(saved.Threshold)
	for _, mu := range saved.Entries {
		t.local.Insert(mu)
	}
	return t
}

func (t *PartialTopK) Child() Iterator { return t.source }

// Threshold returns the solution a candidate must beat, or nil if none is known
func (t *PartialTopK) Threshold() store.Mapping {
	return t.threshold
}

func (t *PartialTopK) setThreshold(mu store.Mapping) {
	t.threshold = mu
	t.key = nil
	if mu != nil {
		t.key = t.order.Keys(mu)
	}
}

// tighten adopts candidate as the threshold if it ranks before the current one
func (t *PartialTopK) tighten(mu store.Mapping) bool {
	if mu == nil {
		return false
	}
	if t.threshold != nil && t.order.Compare(t.order.Keys(mu), t.key) >= 0 {
		return false
	}
	t.setThreshold(mu)
	return true
}

func (t *PartialTopK) publish(ec *ExecutionContext) {
	if t.threshold != nil {
		ec.PublishThreshold(t.threshold)
	}
}

func (t *PartialTopK) Next(ec *ExecutionContext) (store.Mapping, error) {
	if !t.done {
		t.tighten(ec.Threshold)
		t.publish(ec)
		for {
			mu, err := t.source.Next(ec)
			if err != nil {
				return nil, err
			}
			if mu == nil {
				break
			}

			key := t.order.Keys(mu)
			if t.threshold != nil && t.order.Compare(key, t.key) >= 0 {
				continue
			}
			if !t.local.InsertKeyed(key, mu) {
				continue
			}
			if t.local.Full() {
				if t.local.Limit() < t.limit {
					return nil, sparql.ErrTOPKLimitReached
				}
				worst, _ := t.local.LowerBound()
				if t.tighten(worst.Mapping) {
					t.publish(ec)
				}
			}
		}
		t.done = true
	}
	mu, _ := t.local.PopBest()
	return mu, nil
}

func (t *PartialTopK) NextStage(mu store.Mapping) {
	t.local = topk.New(t.order, t.local.Limit())
	t.setThreshold(nil)
	t.done = false
	t.source.NextStage(mu)
}

// Pop drains the local top-k, best first
func (t *PartialTopK) Pop(ec *ExecutionContext) (store.Mapping, error) {
	mu, _ := t.local.PopBest()
	return mu, nil
}

func (t *PartialTopK) Save() plan.Node {
	return &plan.PartialTopK{
		Source:    t.source.Save(),
		Order:     t.order.String(),
		Limit:     int64(t.limit),
		Threshold: t.threshold,
		Entries:   t.local.Mappings(),
	}
}

func (t *PartialTopK) Variables() []string {
	return t.source.Variables()
}

func (t *PartialTopK) Explain(indent int) string {
	return explainLine(indent, t) + t.source.Explain(indent+1)
}

func (t *PartialTopK) String() string {
	return fmt.Sprintf("PartialTopK(%s, k=%d, local=%d)", t.order, t.limit, t.local.Limit())
}

func (t *PartialTopK) Close() error {
	return t.source.Close()
}

// RankFilter rejects solutions that cannot beat the threshold published by
// the TOP-K above it. A full filter evaluates every ORDER BY key and also
// rejects ties; a partial one evaluates a prefix of the keys and only
// rejects solutions that rank strictly after the threshold.
type RankFilter struct {
	source    Iterator
	order     *topk.Order
	isPartial bool

	version uint64
	key     topk.Key
}

// NewRankFilter creates a rank filter
func NewRankFilter(source Iterator, order *topk.Order, isPartial bool) *RankFilter {
	return &RankFilter{source: source, order: order, isPartial: isPartial}
}

func (r *RankFilter) Child() Iterator { return r.source }

// Order returns the ORDER BY keys evaluated by the filter
func (r *RankFilter) Order() *topk.Order {
	return r.order
}

func (r *RankFilter) thresholdKey(ec *ExecutionContext) topk.Key {
	mu, version := ec.PublishedThreshold()
	if mu == nil {
		return nil
	}
	if r.key == nil || version != r.version {
		r.key = r.order.Keys(mu)
		r.version = version
	}
	return r.key
}

func (r *RankFilter) accepts(ec *ExecutionContext, mu store.Mapping) bool {
	threshold := r.thresholdKey(ec)
	if threshold == nil {
		return true
	}
	c := r.order.Compare(r.order.Keys(mu), threshold)
	if r.isPartial {
		return c <= 0
	}
	return c < 0
}

func (r *RankFilter) Next(ec *ExecutionContext) (store.Mapping, error) {
	for {
		mu, err := r.source.Next(ec)
		if err != nil || mu == nil {
			return nil, err
		}
		if r.accepts(ec, mu) {
			return mu, nil
		}
	}
}

func (r *RankFilter) NextStage(mu store.Mapping) {
	r.source.NextStage(mu)
}

func (r *RankFilter) Pop(ec *ExecutionContext) (store.Mapping, error) {
	return r.source.Pop(ec)
}

func (r *RankFilter) Save() plan.Node {
	return &plan.RankFilter{
		Source:    r.source.Save(),
		Order:     r.order.String(),
		IsPartial: r.isPartial,
	}
}

func (r *RankFilter) Variables() []string {
	return r.source.Variables()
}

func (r *RankFilter) Explain(indent int) string {
	return explainLine(indent, r) + r.source.Explain(indent+1)
}

func (r *RankFilter) String() string {
	if r.isPartial {
		return "RankFilter(" + r.order.String() + ", partial)"
	}
	return "RankFilter(" + r.order.String() + ")"
}

func (r *RankFilter) Close() error {
	return r.source.Close()
}
