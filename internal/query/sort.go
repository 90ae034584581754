package query

import (
	"encoding/json"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/roach88/satchel/internal/record"
)

// collator is shared by every sort; Und gives locale-neutral, stable
// string ordering. Collators are not safe for concurrent use, so sorts
// build comparisons through newCollator per call.
func newCollator() *collate.Collator {
	return collate.New(language.Und)
}

// sortRecords orders results in place by the given keys. Stable, so
// records equal under every key keep their cursor order.
func sortRecords(records []record.Record, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	coll := newCollator()
	sort.SliceStable(records, func(i, j int) bool {
		for _, key := range keys {
			a, aok := records[i].Field(key.Field)
			b, bok := records[j].Field(key.Field)
			c := compareField(a, aok, b, bok, coll)
			if c == 0 {
				continue
			}
			if key.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareField compares two field values. Absent sorts before present;
// across types the order is null < bool < number < string < other.
func compareField(a any, aok bool, b any, bok bool, coll *collate.Collator) int {
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	return compareValues(a, b, coll)
}

func compareValues(a, b any, coll *collate.Collator) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case rankBool:
		av, bv := a.(bool), b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return coll.CompareString(a.(string), b.(string))
	default:
		return 0
	}
}

const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankOther
)

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case json.Number, int, int64, float64, float32:
		return rankNumber
	case string:
		return rankString
	default:
		return rankOther
	}
}

func compareNumbers(a, b any) int {
	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return 0
	}
}

// CompareLoose orders two field values the same way sorting does:
// type rank first, then value within the rank. Callers use it for
// in-memory range bounds where the backend cannot.
func CompareLoose(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	if ra == rankString {
		return newCollator().CompareString(a.(string), b.(string))
	}
	return compareValues(a, b, nil)
}

// ValueEqual reports whether a stored field value equals a probe value,
// with numeric values compared numerically regardless of representation.
// Used for multi-entry index matching.
func ValueEqual(a, b any) bool {
	if typeRank(a) != typeRank(b) {
		return false
	}
	if typeRank(a) == rankString {
		return a.(string) == b.(string)
	}
	return compareValues(a, b, nil) == 0
}
