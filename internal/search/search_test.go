package search

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2017, 6, 15, 12, 0, 0, 0, time.UTC)

func compileFiles(t *testing.T, text string) *Query {
	t.Helper()
	q, err := CompileAt(text, ModeFiles, testNow)
	require.NoError(t, err)
	return q
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"bad JSON", `{"name-matches": }`},
		{"not an object", `[1, 2, 3]`},
		{"unknown clause", `{"flavor-is-exactly": "vanilla"}`},
		{"string clause with number", `{"name-matches": 17}`},
		{"int clause with text", `{"size-is-exactly": "big"}`},
		{"int clause with fraction", `{"obsid-is-exactly": 1.5}`},
		{"range with one bound", `{"size-in-range": [3]}`},
		{"range with text bound", `{"size-in-range": [3, "x"]}`},
		{"empty and", `{"and": {}}`},
		{"float attr has no is-exactly", `{"start-time-jd-is-exactly": 2458000.1}`},
		{"bad clause inside or", `{"or": {"nope": 1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileAt(tt.text, ModeFiles, testNow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadSearch), "error should wrap ErrBadSearch: %v", err)
		})
	}
}

func TestCommentStripping(t *testing.T) {
	q := compileFiles(t, `{
	  "name-matches": "zen.%.uv", # SQL LIKE pattern
	  "not-older-than": 14 # days
	}`)
	assert.Len(t, q.Args, 2)
}

func TestStringClauses(t *testing.T) {
	q := compileFiles(t, `{"name-matches": "zen.%.uv"}`)
	assert.Equal(t, "f.name LIKE ?", mustCond(q))
	assert.Equal(t, []any{"zen.%.uv"}, q.Args)

	q = compileFiles(t, `{"type-is-exactly": "uv"}`)
	assert.Equal(t, "f.type = ?", mustCond(q))

	q = compileFiles(t, `{"source-is-not": "rtp"}`)
	assert.Equal(t, "f.source <> ?", mustCond(q))
}

func TestCompatAliases(t *testing.T) {
	q := compileFiles(t, `{"name-like": "%.uv"}`)
	assert.Equal(t, "f.name LIKE ?", mustCond(q))

	q = compileFiles(t, `{"source-is": "correlator"}`)
	assert.Equal(t, "f.source = ?", mustCond(q))
}

func TestIntClauses(t *testing.T) {
	q := compileFiles(t, `{"size-greater-than": 1000000}`)
	assert.Equal(t, "f.size > ?", mustCond(q))
	assert.Equal(t, []any{float64(1000000)}, q.Args)

	q = compileFiles(t, `{"obsid-is-exactly": 1171209640}`)
	assert.Equal(t, "f.obsid = ?", mustCond(q))
	assert.Equal(t, []any{int64(1171209640)}, q.Args)
}

func TestRangeBoundsAreSorted(t *testing.T) {
	q := compileFiles(t, `{"size-in-range": [10, 5]}`)
	assert.Equal(t, "(f.size >= ? AND f.size <= ?)", mustCond(q))
	assert.Equal(t, []any{float64(5), float64(10)}, q.Args)

	q = compileFiles(t, `{"size-not-in-range": [10, 5]}`)
	assert.Equal(t, "(f.size < ? OR f.size > ?)", mustCond(q))
	assert.Equal(t, []any{float64(5), float64(10)}, q.Args)
}

func TestBooleanCombinators(t *testing.T) {
	// Clauses compile in sorted key order, so output is deterministic.
	q := compileFiles(t, `{"or": {"type-is-exactly": "uv", "name-matches": "%.uvh5"}}`)
	assert.Equal(t, "(f.name LIKE ? OR f.type = ?)", mustCond(q))

	q = compileFiles(t, `{"none-of": {"source-is-exactly": "rtp"}}`)
	assert.Equal(t, "NOT (f.source = ?)", mustCond(q))

	q = compileFiles(t, `{"always-true": true}`)
	assert.Equal(t, "1", mustCond(q))

	q = compileFiles(t, `{"always-false": null}`)
	assert.Equal(t, "0", mustCond(q))
}

func TestObsidIsNull(t *testing.T) {
	q := compileFiles(t, `{"obsid-is-null": true}`)
	assert.Equal(t, "f.obsid IS NULL", mustCond(q))
	assert.Empty(t, q.Args)
}

func TestCreateTimeCutoffs(t *testing.T) {
	q := compileFiles(t, `{"not-older-than": 14}`)
	assert.Equal(t, "f.create_time > ?", mustCond(q))
	require.Len(t, q.Args, 1)
	cutoff, ok := q.Args[0].(time.Time)
	require.True(t, ok)
	assert.Equal(t, testNow.AddDate(0, 0, -14), cutoff)

	q = compileFiles(t, `{"not-newer-than": 0.5}`)
	assert.Equal(t, "f.create_time < ?", mustCond(q))
	cutoff = q.Args[0].(time.Time)
	assert.Equal(t, testNow.Add(-12*time.Hour), cutoff)
}

func TestObsProxyClauses(t *testing.T) {
	// Observation attributes are reachable from file searches through an
	// obsid subquery.
	q := compileFiles(t, `{"start-time-jd-in-range": [2458041, 2458043]}`)
	assert.Equal(t,
		"f.obsid IN (SELECT o.obsid FROM observations o WHERE (o.start_time_jd >= ? AND o.start_time_jd <= ?))",
		mustCond(q))

	q = compileFiles(t, `{"session-id-is-exactly": 1171209640}`)
	assert.Equal(t,
		"f.obsid IN (SELECT o.obsid FROM observations o WHERE o.session_id = ?)",
		mustCond(q))
}

func TestObsMatches(t *testing.T) {
	q := compileFiles(t, `{"obs-matches": {"duration-less-than": 0.003}}`)
	assert.Equal(t,
		"f.obsid IN (SELECT o.obsid FROM observations o WHERE (o.stop_time_jd - o.start_time_jd) < ?)",
		mustCond(q))
	assert.Equal(t, []any{0.003}, q.Args)
}

func TestObsMode(t *testing.T) {
	q, err := CompileAt(`{"num-files-greater-than": 0}`, ModeObs, testNow)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "FROM observations o WHERE")
	assert.Equal(t, "(SELECT COUNT(*) FROM files f2 WHERE f2.obsid = o.obsid) > ?", mustCond(q))

	q, err = CompileAt(`{"total-size-greater-than": 0}`, ModeObs, testNow)
	require.NoError(t, err)
	assert.Contains(t, mustCond(q), "COALESCE(SUM(f2.size), 0)")
}

func TestSessionMode(t *testing.T) {
	q, err := CompileAt(`{"session-id-is-exactly": 1171209640}`, ModeSessions, testNow)
	require.NoError(t, err)
	assert.Equal(t, "s.id = ?", mustCond(q))

	q, err = CompileAt(`{"age-greater-than": 0.5}`, ModeSessions, testNow)
	require.NoError(t, err)
	assert.Contains(t, mustCond(q), "- s.stop_time_jd) > ?")

	q, err = CompileAt(`{"no-file-has-event": "standing_order_succeeded:main"}`, ModeSessions, testNow)
	require.NoError(t, err)
	assert.Contains(t, mustCond(q), "e.type = ?) = 0")
	assert.Equal(t, []any{"standing_order_succeeded:main"}, q.Args)
}

func TestInstanceModes(t *testing.T) {
	q, err := CompileAt(`{"name-matches": "%.uv"}`, ModeInstances, testNow)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "FROM file_instances fi JOIN files f ON f.name = fi.name")

	q, err = CompileAt(`{"name-matches": "%.uv"}`, ModeInstancesStores, testNow)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "JOIN stores st ON st.id = fi.store_id")
}

func TestToJSONRoundTrip(t *testing.T) {
	q := compileFiles(t, `{
	  "name-matches": "zen%",  # comment goes away
	  "not-older-than": 7
	}`)
	rendered := q.ToJSON()
	assert.Equal(t, `{"name-matches":"zen%","not-older-than":7}`, rendered)

	q2, err := CompileAt(rendered, ModeFiles, testNow)
	require.NoError(t, err)
	assert.Equal(t, q.SQL, q2.SQL)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(`{"name-matches": "%"}`))
	assert.Error(t, Validate(`{"bogus-clause": 1}`))
}

func mustCond(q *Query) string {
	cond, _ := q.Cond()
	return cond
}
