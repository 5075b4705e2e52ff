package store

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// applyFields merges fields into a copy of base, resolving value sentinels
// against now.
func applyFields(base, fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		switch s := v.(type) {
		case serverTimestamp:
			out[k] = now
		case deleteField:
			delete(out, k)
		case increment:
			n, _ := toFloat(out[k])
			out[k] = n + float64(s.n)
		case arrayUnion:
			arr := toSlice(out[k])
			for _, x := range s.values {
				if !sliceContains(arr, x) {
					arr = append(arr, x)
				}
			}
			out[k] = arr
		case arrayRemove:
			arr := toSlice(out[k])
			kept := arr[:0]
			for _, x := range arr {
				if !sliceContains(s.values, x) {
					kept = append(kept, x)
				}
			}
			out[k] = kept
		default:
			out[k] = v
		}
	}
	return out
}

// evaluate filters, orders and limits docs according to q.
func evaluate(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if matchesAll(d.Data, q.Filters) {
			out = append(out, d)
		}
	}
	if len(q.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.OrderBy {
				c := compareValues(out[i].Data[o.Field], out[j].Data[o.Field])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesAll(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(data, f) {
			return false
		}
	}
	return true
}

func matches(data map[string]any, f Filter) bool {
	v, ok := data[f.Field]
	if !ok || v == nil {
		return false
	}
	switch f.Op {
	case OpEqual:
		return equalValues(v, f.Value)
	case OpNotEqual:
		return !equalValues(v, f.Value)
	case OpArrayContains:
		return sliceContains(toSlice(v), f.Value)
	}
	return false
}

const (
	rankNull = iota
	rankBool
	rankNumber
	rankTime
	rankString
	rankArray
	rankMap
)

func normalizeValue(v any) (int, any) {
	switch x := v.(type) {
	case nil:
		return rankNull, nil
	case bool:
		return rankBool, x
	case time.Time:
		return rankTime, x
	case *time.Time:
		if x == nil {
			return rankNull, nil
		}
		return rankTime, *x
	case string:
		if t, ok := parseTime(x); ok {
			return rankTime, t
		}
		return rankString, x
	case []any, []string:
		return rankArray, toSlice(x)
	case map[string]any:
		return rankMap, x
	}
	if f, ok := toFloat(v); ok {
		return rankNumber, f
	}
	return rankString, ""
}

// compareValues orders values the way the document store does: null, bools,
// numbers, timestamps, strings, arrays, maps.
func compareValues(a, b any) int {
	ra, na := normalizeValue(a)
	rb, nb := normalizeValue(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankBool:
		x, y := na.(bool), nb.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case rankNumber:
		x, y := na.(float64), nb.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case rankTime:
		return na.(time.Time).Compare(nb.(time.Time))
	case rankString:
		return strings.Compare(na.(string), nb.(string))
	case rankArray:
		x, y := na.([]any), nb.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(x) < len(y):
			return -1
		case len(x) > len(y):
			return 1
		}
	}
	return 0
}

func equalValues(a, b any) bool {
	ra, _ := normalizeValue(a)
	rb, _ := normalizeValue(b)
	if ra == rankMap || rb == rankMap {
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return string(ja) == string(jb)
	}
	return ra == rb && compareValues(a, b) == 0
}

func sliceContains(arr []any, v any) bool {
	for _, x := range arr {
		if equalValues(x, v) {
			return true
		}
	}
	return false
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		copy(out, x)
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return []any{}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// parseTime recognizes timestamps that went through a JSON round trip.
func parseTime(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05Z") || s[4] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
