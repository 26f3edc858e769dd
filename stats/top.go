package stats

import (
	"fmt"
	"io"
	"sort"
)

// Count is one key of a frequency table.
type Count struct {
	Key   string
	Value int
}

// Top returns the entries of m ordered by value descending, ties by key.
// limit <= 0 returns all entries.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
