// Package plan defines saved plans: the serializable state of a suspended
// pipeline. Every operator has one variant; variants embed the saved plans
// of their children, forming a tree isomorphic to the live pipeline.
package plan

import "github.com/aleksaelezovic/sage/pkg/store"

// Kind identifies a saved plan variant. The values are the field numbers of
// the root oneof on the wire.
type Kind int

const (
	KindScan Kind = iota + 1
	KindIndexJoin
	KindFilter
	KindProjection
	KindValues
	KindUnion
	KindLimit
	KindTopK
	KindPartialTopK
	KindRankFilter
)

var kindNames = map[Kind]string{
	KindScan:        "scan",
	KindIndexJoin:   "index_join",
	KindFilter:      "filter",
	KindProjection:  "projection",
	KindValues:      "values",
	KindUnion:       "union",
	KindLimit:       "limit",
	KindTopK:        "topk",
	KindPartialTopK: "partial_topk",
	KindRankFilter:  "rank_filter",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Node is a saved plan. It is implemented by the variants of this package only.
type Node interface {
	Kind() Kind
}

// Scan is the state of a triple pattern scan
type Scan struct {
	Pattern     store.Pattern
	Mu          store.Mapping // outer bindings pushed by NextStage, nil if none
	Buffered    *store.Triple // triple pulled but not yet produced
	LastRead    string
	Cardinality int64 // -1 when not yet estimated
	Produced    int64 // triples produced under Mu
	Timestamp   int64 // snapshot time for versioned reads, 0 for the latest state
}

// IndexJoin is the state of an index nested-loop join
type IndexJoin struct {
	Left  Node
	Right Node
	Mu    store.Mapping // current outer mapping, nil when none is held
}

// Filter is the state of a filter
type Filter struct {
	Source     Node
	Expression string
	Consumed   int64
	Produced   int64
}

// Projection is the state of a projection. Nil Values keeps every variable.
type Projection struct {
	Source Node
	Values []string
}

// Values is the state of an inline data operator
type Values struct {
	Items  []store.Mapping
	Cursor int64
	Mu     store.Mapping // outer bindings, nil if none
}

// Union is the state of a bag union
type Union struct {
	Left  Node
	Right Node
}

// Limit is the state of a LIMIT
type Limit struct {
	Source   Node
	Limit    int64
	Produced int64
}

// TopK is the state of a server-side TOP-K
type TopK struct {
	Source  Node
	Order   string
	Limit   int64
	Entries []store.Mapping
}

// PartialTopK is the state of a client-assisted TOP-K
type PartialTopK struct {
	Source    Node
	Order     string
	Limit     int64
	Threshold store.Mapping // nil while no threshold is known
	Entries   []store.Mapping
}

// RankFilter is the state of a rank filter
type RankFilter struct {
	Source    Node
	Order     string
	IsPartial bool
}

func (*Scan) Kind() Kind        { return KindScan }
func (*IndexJoin) Kind() Kind   { return KindIndexJoin }
func (*Filter) Kind() Kind      { return KindFilter }
func (*Projection) Kind() Kind  { return KindProjection }
func (*Values) Kind() Kind      { return KindValues }
func (*Union) Kind() Kind       { return KindUnion }
func (*Limit) Kind() Kind       { return KindLimit }
func (*TopK) Kind() Kind        { return KindTopK }
func (*PartialTopK) Kind() Kind { return KindPartialTopK }
func (*RankFilter) Kind() Kind  { return KindRankFilter }
