package plan

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aleksaelezovic/sage/pkg/store"
)

// Saved plans use the protobuf wire format:
//
//	message Root        { oneof node { Scan scan = 1; IndexJoin index_join = 2; Filter filter = 3;
//	                      Projection projection = 4; Values values = 5; Union union = 6; Limit limit = 7;
//	                      TopK topk = 8; PartialTopK partial_topk = 9; RankFilter rank_filter = 10; } }
//	message Mapping     { repeated Entry entries = 1; }          // sorted by key
//	message Entry       { string key = 1; string value = 2; }
//	message Triple      { string subject = 1; string predicate = 2; string object = 3;
//	                      int64 insert_t = 4; int64 delete_t = 5; }
//	message Scan        { string subject = 1; string predicate = 2; string object = 3; string graph = 4;
//	                      Mapping mu = 5; Triple buffered = 6; string last_read = 7;
//	                      int64 cardinality = 8; int64 timestamp = 9; int64 produced = 10; }
//	message IndexJoin   { Root left = 1; Root right = 2; Mapping mu = 3; }
//	message Filter      { Root source = 1; string expression = 2; int64 consumed = 3; int64 produced = 4; }
//	message Projection  { Root source = 1; repeated string values = 2; }
//	message Values      { repeated Mapping items = 1; int64 cursor = 2; Mapping mu = 3; }
//	message Union       { Root left = 1; Root right = 2; }
//	message Limit       { Root source = 1; int64 limit = 2; int64 produced = 3; }
//	message TopK        { Root source = 1; string order = 2; int64 limit = 3; repeated Mapping entries = 4; }
//	message PartialTopK { Root source = 1; string order = 2; int64 limit = 3; Mapping threshold = 4;
//	                      repeated Mapping entries = 5; }
//	message RankFilter  { Root source = 1; string order = 2; bool is_partial = 3; }
//
// Zero scalars are omitted. Mapping fields are written whenever the mapping
// is non-nil, so an empty mapping survives a round trip.

// ErrMalformedPlan is returned when a saved plan cannot be decoded
var ErrMalformedPlan = errors.New("malformed saved plan")

// Encode serializes a saved plan
func Encode(node Node) ([]byte, error) {
	return appendRoot(nil, node)
}

// EncodeToken serializes a saved plan as a base64 token
func EncodeToken(node Node) (string, error) {
	b, err := Encode(node)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode deserializes a saved plan
func Decode(b []byte) (Node, error) {
	node, err := decodeRoot(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return node, nil
}

// DecodeToken deserializes a base64 token
func DecodeToken(token string) (Node, error) {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return Decode(b)
}

// Encoding

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendMapping(b []byte, num protowire.Number, mu store.Mapping) []byte {
	if mu == nil {
		return b
	}
	var msg []byte
	for _, key := range mu.Keys() {
		var entry []byte
		entry = appendString(entry, 1, key)
		entry = appendString(entry, 2, mu[key])
		msg = appendMessage(msg, 1, entry)
	}
	return appendMessage(b, num, msg)
}

func appendMappings(b []byte, num protowire.Number, mappings []store.Mapping) []byte {
	for _, mu := range mappings {
		if mu == nil {
			mu = store.Mapping{}
		}
		b = appendMapping(b, num, mu)
	}
	return b
}

func appendTriple(b []byte, num protowire.Number, t *store.Triple) []byte {
	if t == nil {
		return b
	}
	var msg []byte
	msg = appendString(msg, 1, t.Subject)
	msg = appendString(msg, 2, t.Predicate)
	msg = appendString(msg, 3, t.Object)
	msg = appendInt(msg, 4, t.InsertT)
	msg = appendInt(msg, 5, t.DeleteT)
	return appendMessage(b, num, msg)
}

func appendChild(b []byte, num protowire.Number, child Node) ([]byte, error) {
	if child == nil {
		return b, nil
	}
	msg, err := appendRoot(nil, child)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, num, msg), nil
}

func appendRoot(b []byte, node Node) ([]byte, error) {
	var msg []byte
	var err error

	switch n := node.(type) {
	case *Scan:
		msg = appendString(msg, 1, n.Pattern.Subject)
		msg = appendString(msg, 2, n.Pattern.Predicate)
		msg = appendString(msg, 3, n.Pattern.Object)
		msg = appendString(msg, 4, n.Pattern.Graph)
		msg = appendMapping(msg, 5, n.Mu)
		msg = appendTriple(msg, 6, n.Buffered)
		msg = appendString(msg, 7, n.LastRead)
		msg = appendInt(msg, 8, n.Cardinality)
		msg = appendInt(msg, 9, n.Timestamp)
		msg = appendInt(msg, 10, n.Produced)
	case *IndexJoin:
		if msg, err = appendChild(msg, 1, n.Left); err != nil {
			return nil, err
		}
		if msg, err = appendChild(msg, 2, n.Right); err != nil {
			return nil, err
		}
		msg = appendMapping(msg, 3, n.Mu)
	case *Filter:
		if msg, err = appendChild(msg, 1, n.Source); err != nil {
			return nil, err
		}
		msg = appendString(msg, 2, n.Expression)
		msg = appendInt(msg, 3, n.Consumed)
		msg = appendInt(msg, 4, n.Produced)
	case *Projection:
		if msg, err = appendChild(msg, 1, n.Source); err != nil {
			return nil, err
		}
		for _, v := range n.Values {
			msg = protowire.AppendTag(msg, 2, protowire.BytesType)
			msg = protowire.AppendString(msg, v)
		}
	case *Values:
		msg = appendMappings(msg, 1, n.Items)
		msg = appendInt(msg, 2, n.Cursor)
		msg = appendMapping(msg, 3, n.Mu)
	case *Union:
		if msg, err = appendChild(msg, 1, n.Left); err != nil {
			return nil, err
		}
		if msg, err = appendChild(msg, 2, n.Right); err != nil {
			return nil, err
		}
	case *Limit:
		if msg, err = appendChild(msg, 1, n.Source); err != nil {
			return nil, err
		}
		msg = appendInt(msg, 2, n.Limit)
		msg = appendInt(msg, 3, n.Produced)
	case *TopK:
		if msg, err = appendChild(msg, 1, n.Source); err != nil {
			return nil, err
		}
		msg = appendString(msg, 2, n.Order)
		msg = appendInt(msg, 3, n.Limit)
		msg = appendMappings(msg, 4, n.Entries)
	case *PartialTopK:
		if msg, err = appendChild(msg, 1, n.Source); err != nil {
			return nil, err
		}
		msg = appendString(msg, 2, n.Order)
		msg = appendInt(msg, 3, n.Limit)
		msg = appendMapping(msg, 4, n.Threshold)
		msg = appendMappings(msg, 5, n.Entries)
	case *RankFilter:
		if msg, err = appendChild(msg, 1, n.Source); err != nil {
			return nil, err
		}
		msg = appendString(msg, 2, n.Order)
		msg = appendBool(msg, 3, n.IsPartial)
	case nil:
		return nil, fmt.Errorf("cannot encode a nil plan")
	default:
		return nil, fmt.Errorf("cannot encode plan of type %T", node)
	}

	return appendMessage(b, protowire.Number(node.Kind()), msg), nil
}

// Decoding

type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

func (f field) str() string {
	return string(f.bytes)
}

func (f field) int() int64 {
	return int64(f.varint)
}

// parseFields splits a message into its fields, skipping unknown wire types
func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				b = b[n:]
				continue
			}
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func decodeRoot(b []byte) (Node, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	if len(fields) != 1 {
		return nil, fmt.Errorf("expected exactly one plan variant, found %d", len(fields))
	}
	f := fields[0]
	body, err := parseFields(f.bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", Kind(f.num), err)
	}

	switch Kind(f.num) {
	case KindScan:
		return decodeScan(body)
	case KindIndexJoin:
		return decodeIndexJoin(body)
	case KindFilter:
		return decodeFilter(body)
	case KindProjection:
		return decodeProjection(body)
	case KindValues:
		return decodeValues(body)
	case KindUnion:
		return decodeUnion(body)
	case KindLimit:
		return decodeLimit(body)
	case KindTopK:
		return decodeTopK(body)
	case KindPartialTopK:
		return decodePartialTopK(body)
	case KindRankFilter:
		return decodeRankFilter(body)
	default:
		return nil, fmt.Errorf("unknown plan variant %d", f.num)
	}
}

func decodeMapping(b []byte) (store.Mapping, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	mu := make(store.Mapping, len(fields))
	for _, f := range fields {
		if f.num != 1 {
			continue
		}
		entry, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		var key, value string
		for _, ef := range entry {
			switch ef.num {
			case 1:
				key = ef.str()
			case 2:
				value = ef.str()
			}
		}
		if key == "" {
			return nil, fmt.Errorf("mapping entry without a key")
		}
		mu[key] = value
	}
	return mu, nil
}

func decodeTriple(b []byte) (*store.Triple, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	t := &store.Triple{}
	for _, f := range fields {
		switch f.num {
		case 1:
			t.Subject = f.str()
		case 2:
			t.Predicate = f.str()
		case 3:
			t.Object = f.str()
		case 4:
			t.InsertT = f.int()
		case 5:
			t.DeleteT = f.int()
		}
	}
	return t, nil
}

func decodeScan(fields []field) (Node, error) {
	n := &Scan{}
	var err error
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Pattern.Subject = f.str()
		case 2:
			n.Pattern.Predicate = f.str()
		case 3:
			n.Pattern.Object = f.str()
		case 4:
			n.Pattern.Graph = f.str()
		case 5:
			n.Mu, err = decodeMapping(f.bytes)
		case 6:
			n.Buffered, err = decodeTriple(f.bytes)
		case 7:
			n.LastRead = f.str()
		case 8:
			n.Cardinality = f.int()
		case 9:
			n.Timestamp = f.int()
		case 10:
			n.Produced = f.int()
		}
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
	}
	if n.Pattern.Subject == "" || n.Pattern.Predicate == "" || n.Pattern.Object == "" {
		return nil, fmt.Errorf("scan: incomplete triple pattern")
	}
	return n, nil
}

func decodeIndexJoin(fields []field) (Node, error) {
	n := &IndexJoin{}
	var err error
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Left, err = decodeRoot(f.bytes)
		case 2:
			n.Right, err = decodeRoot(f.bytes)
		case 3:
			n.Mu, err = decodeMapping(f.bytes)
		}
		if err != nil {
			return nil, fmt.Errorf("index_join: %w", err)
		}
	}
	if n.Left == nil || n.Right == nil {
		return nil, fmt.Errorf("index_join: missing child")
	}
	return n, nil
}

func decodeFilter(fields []field) (Node, error) {
	n := &Filter{}
	var err error
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Source, err = decodeRoot(f.bytes)
		case 2:
			n.Expression = f.str()
		case 3:
			n.Consumed = f.int()
		case 4:
			n.Produced = f.int()
		}
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
	}
	if n.Source == nil {
		return nil, fmt.Errorf("filter: missing source")
	}
	return n, nil
}

func decodeProjection(fields []field) (Node, error) {
	n := &Projection{}
	var err error
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Source, err = decodeRoot(f.bytes)
		case 2:
			n.Values = append(n.Values, f.str())
		}
		if err != nil {
			return nil, fmt.Errorf("projection: %w", err)
		}
	}
	if n.Source == nil {
		return nil, fmt.Errorf("projection: missing source")
	}
	return n, nil
}

func decodeValues(fields []field) (Node, error) {
	n := &Values{}
	for _, f := range fields {
		switch f.num {
		case 1:
			mu, err := decodeMapping(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("values: %w", err)
			}
			n.Items = append(n.Items, mu)
		case 2:
			n.Cursor = f.int()
		case 3:
			mu, err := decodeMapping(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("values: %w", err)
			}
			n.Mu = mu
		}
	}
	return n, nil
}

func decodeUnion(fields []field) (Node, error) {
	n := &Union{}
	var err error
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Left, err = decodeRoot(f.bytes)
		case 2:
			n.Right, err = decodeRoot(f.bytes)
		}
		if err != nil {
			return nil, fmt.Errorf("union: %w", err)
		}
	}
	if n.Left == nil || n.Right == nil {
		return nil, fmt.Errorf("union: missing child")
	}
	return n, nil
}

func decodeLimit(fields []field) (Node, error) {
	n := &Limit{}
	var err error
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Source, err = decodeRoot(f.bytes)
		case 2:
			n.Limit = f.int()
		case 3:
			n.Produced = f.int()
		}
		if err != nil {
			return nil, fmt.Errorf("limit: %w", err)
		}
	}
	if n.Source == nil {
		return nil, fmt.Errorf("limit: missing source")
	}
	return n, nil
}

func decodeTopK(fields []field) (Node, error) {
	n := &TopK{}
	for _, f := range fields {
		var err error
		switch f.num {
		case 1:
			n.Source, err = decodeRoot(f.bytes)
		case 2:
			n.Order = f.str()
		case 3:
			n.Limit = f.int()
		case 4:
			var mu store.Mapping
			if mu, err = decodeMapping(f.bytes); err == nil {
				n.Entries = append(n.Entries, mu)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("topk: %w", err)
		}
	}
	if n.Source == nil {
		return nil, fmt.Errorf("topk: missing source")
	}
	return n, nil
}

func decodePartialTopK(fields []field) (Node, error) {
	n := &PartialTopK{}
	for _, f := range fields {
		var err error
		switch f.num {
		case 1:
			n.Source, err = decodeRoot(f.bytes)
		case 2:
			n.Order = f.str()
		case 3:
			n.Limit = f.int()
		case 4:
			n.Threshold, err = decodeMapping(f.bytes)
		case 5:
			var mu store.Mapping
			if mu, err = decodeMapping(f.bytes); err == nil {
				n.Entries = append(n.Entries, mu)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("partial_topk: %w", err)
		}
	}
	if n.Source == nil {
		return nil, fmt.Errorf("partial_topk: missing source")
	}
	return n, nil
}

func decodeRankFilter(fields []field) (Node, error) {
	n := &RankFilter{}
	var err error
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Source, err = decodeRoot(f.bytes)
		case 2:
			n.Order = f.str()
		case 3:
			n.IsPartial = protowire.DecodeBool(f.varint)
		}
		if err != nil {
			return nil, fmt.Errorf("rank_filter: %w", err)
		}
	}
	if n.Source == nil {
		return nil, fmt.Errorf("rank_filter: missing source")
	}
	return n, nil
}
