package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/satchel/internal/query"
	"github.com/roach88/satchel/internal/record"
)

// TestGoldenQuerySnapshot pins the full read path end to end: canonical
// record encoding, cursor order, sort, and the database summary. The
// clock is fixed so _updatedAt stamps are stable.
func TestGoldenQuerySnapshot(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	users := []record.Record{
		{"id": "u1", "name": "Ada", "age": json.Number("36"), "email": "ada@example.com", "tags": []any{"go", "db"}},
		{"id": "u2", "name": "Lin", "age": json.Number("29"), "email": "lin@example.com", "tags": []any{"go"}},
		{"id": "u3", "name": "Rex", "age": json.Number("41"), "email": "rex@example.com", "tags": []any{"db"}},
	}
	for _, u := range users {
		_, err := c.Add(ctx, "users", u)
		require.NoError(t, err)
	}

	results, err := c.GetAll(ctx, "users", &query.Options{
		Sort: []query.SortKey{{Field: "age", Descending: true}},
	})
	require.NoError(t, err)

	info, err := c.DatabaseInfo(ctx)
	require.NoError(t, err)

	resultsAny := make([]any, len(results))
	for i, r := range results {
		resultsAny[i] = r
	}
	counts := map[string]any{}
	for _, s := range info.Stores {
		counts[s.Name] = s.Count
	}
	snapshot := record.Record{
		"results":       resultsAny,
		"schemaVersion": info.Version,
		"storeCounts":   counts,
	}

	data, err := record.MarshalCanonical(snapshot)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "query_snapshot", data)
}
