// Package optimizer turns a logical plan into a pipeline of preemptable
// iterators.
//
// The physical plan is first built into an arena of nodes addressed by
// index, so the rewrites below can relink operators without juggling
// parent pointers:
//
//   - joins of a basic graph pattern are ordered by scan cardinality,
//     preferring patterns connected to what is already bound
//   - filters move down to the lowest operator binding all their variables
//   - equality filters directly above a scan become VALUES joins
//   - VALUES move to the bottom-left of the join chain they restrict
//   - ORDER BY ... LIMIT picks a TOP-K strategy and gets a rank filter
//
// The arena is then converted into iterators.
package optimizer

import (
	"context"
	"fmt"
	"sort"

	"github.com/aleksaelezovic/sage/pkg/sparql/algebra"
	"github.com/aleksaelezovic/sage/pkg/sparql/iterators"
	"github.com/aleksaelezovic/sage/pkg/store"
)

// maxRewrites bounds the relocation passes over the arena
const maxRewrites = 64

// Options configures the optimizer
type Options struct {
	// ForceOrder keeps triple patterns in query order
	ForceOrder bool

	// MaxTopK is the largest K evaluated with a server-side TOP-K. Larger
	// limits use the client-assisted partial TOP-K. Zero disables the cap.
	MaxTopK int
}

// Optimizer builds iterator pipelines over a dataset
type Optimizer struct {
	dataset *store.Dataset
	opts    Options
}

// NewOptimizer creates a new optimizer
func NewOptimizer(dataset *store.Dataset, opts Options) *Optimizer {
	return &Optimizer{dataset: dataset, opts: opts}
}

// Build creates the iterator pipeline of a logical plan. The plan is
// rewritten with algebra.Rewrite first. Every scan reads the state at asOf,
// or the latest state when asOf is zero.
func (o *Optimizer) Build(ctx context.Context, logical algebra.Node, asOf int64) (iterators.Iterator, error) {
	a := &arena{}
	b := &builder{ctx: ctx, opts: o.opts, dataset: o.dataset, arena: a, asOf: asOf}

	root, err := b.build(algebra.Rewrite(logical))
	if err != nil {
		a.close()
		return nil, err
	}
	a.root = root

	a.pushFilters()
	a.rewriteFilters()
	a.pushValues()
	a.placeRankFilters()

	it, err := a.iterator(a.root)
	if err != nil {
		a.close()
		return nil, err
	}
	return it, nil
}

type builder struct {
	ctx     context.Context
	opts    Options
	dataset *store.Dataset
	arena   *arena
	asOf    int64
}

func (b *builder) build(logical algebra.Node) (int, error) {
	a := b.arena
	switch n := logical.(type) {
	case *algebra.BGP:
		return b.buildBGP(n)

	case *algebra.ToMultiSet:
		return a.add(node{kind: opValues, items: n.Items}), nil

	case *algebra.Join:
		left, err := b.build(n.Left)
		if err != nil {
			return 0, err
		}
		right, err := b.build(n.Right)
		if err != nil {
			return 0, err
		}
		return a.add(node{kind: opJoin, left: left, right: right}), nil

	case *algebra.Union:
		left, err := b.build(n.Left)
		if err != nil {
			return 0, err
		}
		right, err := b.build(n.Right)
		if err != nil {
			return 0, err
		}
		return a.add(node{kind: opUnion, left: left, right: right}), nil

	case *algebra.Filter:
		source, err := b.build(n.Source)
		if err != nil {
			return 0, err
		}
		return a.add(node{kind: opFilter, left: source, expr: n.Expression}), nil

	case *algebra.Project:
		source, err := b.build(n.Source)
		if err != nil {
			return 0, err
		}
		return a.add(node{kind: opProjection, left: source, vars: n.Variables}), nil

	case *algebra.Slice:
		source, err := b.build(n.Source)
		if err != nil {
			return 0, err
		}
		return a.add(node{kind: opLimit, left: source, limit: n.Limit}), nil

	case *algebra.TopK:
		source, err := b.build(n.Source)
		if err != nil {
			return 0, err
		}
		t := node{kind: opTopK, left: source, limit: n.Limit, order: n.Order}
		if b.opts.MaxTopK > 0 && n.Limit > int64(b.opts.MaxTopK) {
			t.partial, t.local = true, b.opts.MaxTopK
		}
		return a.add(t), nil

	default:
		return 0, fmt.Errorf("cannot build logical node %T", logical)
	}
}

// buildBGP creates a left-deep join chain: VALUES first, then the scans in
// join order.
func (b *builder) buildBGP(bgp *algebra.BGP) (int, error) {
	a := b.arena
	var leaves []int
	var bound []string
	for _, v := range bgp.Values {
		leaves = append(leaves, a.add(node{kind: opValues, items: v.Items}))
		bound = append(bound, certainValuesVariables(v.Items)...)
	}

	scans := make([]*iterators.Scan, len(bgp.Triples))
	cards := make([]int64, len(bgp.Triples))
	for i, p := range bgp.Triples {
		graph, err := b.dataset.Graph(p.Graph)
		if err != nil {
			return 0, err
		}
		scans[i] = iterators.NewScan(graph, p, b.asOf)
		// registered before Cardinality so a failed build closes it
		a.scans = append(a.scans, scans[i])
		card, err := scans[i].Cardinality(b.ctx)
		if err != nil {
			return 0, err
		}
		cards[i] = card
	}

	for _, i := range OrderPatterns(bgp.Triples, cards, bound, b.opts.ForceOrder) {
		leaves = append(leaves, a.add(node{kind: opScan, scan: scans[i]}))
	}

	if len(leaves) == 0 {
		return a.add(node{kind: opValues, items: []store.Mapping{{}}}), nil
	}
	root := leaves[0]
	for _, leaf := range leaves[1:] {
		root = a.add(node{kind: opJoin, left: root, right: leaf})
	}
	return root, nil
}

// OrderPatterns returns the evaluation order of triple patterns: ascending
// cardinality, except that a pattern sharing a variable with the patterns
// already placed (or with bound) is preferred over a disconnected one. Ties
// go to the pattern with fewer variables, then to query order.
func OrderPatterns(patterns []store.Pattern, cards []int64, bound []string, force bool) []int {
	order := make([]int, len(patterns))
	for i := range order {
		order[i] = i
	}
	if force {
		return order
	}

	sort.SliceStable(order, func(x, y int) bool {
		i, j := order[x], order[y]
		if cards[i] != cards[j] {
			return cards[i] < cards[j]
		}
		return len(patterns[i].Variables()) < len(patterns[j].Variables())
	})

	seen := make(map[string]bool)
	for _, v := range bound {
		seen[v] = true
	}
	result := make([]int, 0, len(order))
	placed := make([]bool, len(patterns))
	for len(result) < len(patterns) {
		pick := -1
		for _, i := range order {
			if placed[i] {
				continue
			}
			if pick < 0 {
				pick = i
			}
			if len(seen) > 0 && connected(patterns[i], seen) {
				pick = i
				break
			}
		}
		placed[pick] = true
		result = append(result, pick)
		for _, v := range patterns[pick].Variables() {
			seen[v] = true
		}
	}
	return result
}

func connected(p store.Pattern, seen map[string]bool) bool {
	for _, v := range p.Variables() {
		if seen[v] {
			return true
		}
	}
	return false
}

func certainValuesVariables(items []store.Mapping) []string {
	if len(items) == 0 {
		return nil
	}
	var vars []string
	for _, v := range items[0].Keys() {
		certain := true
		for _, item := range items[1:] {
			if _, ok := item[v]; !ok {
				certain = false
				break
			}
		}
		if certain {
			vars = append(vars, v)
		}
	}
	return vars
}

// Explain builds the pipeline of a logical plan and renders it without
// running it.
func (o *Optimizer) Explain(ctx context.Context, logical algebra.Node) (string, error) {
	it, err := o.Build(ctx, logical, 0)
	if err != nil {
		return "", err
	}
	defer it.Close() // #nosec G307
	return it.Explain(0), nil
}
