// Package search compiles declarative JSON clause trees into SQL query terms
// over the catalog schema.
//
// A search is a JSON object whose keys are clause names and whose values are
// clause payloads; a top-level object is the body of an implicit "and". The
// grammar is shared by interactive queries and by the standing-order
// replication engine, so compilation must be side-effect free.
package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrBadSearch is wrapped by every compilation failure: unknown clauses,
// payload type mismatches, malformed ranges, and non-parseable input.
var ErrBadSearch = errors.New("bad search")

// Mode selects what a compiled query returns.
type Mode int

const (
	// ModeFiles returns full file rows.
	ModeFiles Mode = iota
	// ModeNames returns file names only.
	ModeNames
	// ModeObs returns observation rows.
	ModeObs
	// ModeSessions returns observing-session rows.
	ModeSessions
	// ModeInstances returns file-instance rows.
	ModeInstances
	// ModeInstancesStores returns file-instance rows joined with their store.
	ModeInstancesStores
)

// Query is a compiled search: a complete SELECT statement plus bind args.
type Query struct {
	Mode Mode
	SQL  string
	Args []any

	tree     map[string]any
	cond     string
	condArgs []any
}

// ToJSON renders the parsed clause tree back to canonical JSON (object keys
// sorted, comments stripped). Compiling the output yields an identical tree.
func (q *Query) ToJSON() string {
	b, err := json.Marshal(q.tree)
	if err != nil {
		// The tree came from json.Unmarshal, so this cannot happen.
		return "{}"
	}
	return string(b)
}

// Cond returns just the WHERE condition of the compiled query, for callers
// that embed it in a larger statement.
func (q *Query) Cond() (string, []any) { return q.cond, q.condArgs }

// Compile parses and compiles a search against the given query mode, using
// the current wall clock for time-relative clauses.
func Compile(text string, mode Mode) (*Query, error) {
	return CompileAt(text, mode, time.Now().UTC())
}

// CompileAt is Compile with an explicit "now", for tests and for callers
// that need reproducible cutoffs.
func CompileAt(text string, mode Mode, now time.Time) (*Query, error) {
	// As a convenience, #-delimited comments are stripped before JSON
	// decoding; the stock JSON parser doesn't accept them but they're nice
	// for users.
	text = stripComments(text)

	var tree map[string]any
	if err := json.Unmarshal([]byte(text), &tree); err != nil {
		return nil, fmt.Errorf("%w: can't parse search as JSON: %v", ErrBadSearch, err)
	}

	return compileTree(tree, mode, now)
}

func compileTree(tree map[string]any, mode Mode, now time.Time) (*Query, error) {
	var cp *compiler
	switch mode {
	case ModeFiles, ModeNames, ModeInstances, ModeInstancesStores:
		cp = newFileCompiler(now)
	case ModeObs:
		cp = newObsCompiler(now)
	case ModeSessions:
		cp = newSessionCompiler(now)
	default:
		return nil, fmt.Errorf("%w: unhandled query mode %d", ErrBadSearch, mode)
	}

	cond, args, err := cp.compileClause("and", anyMap(tree))
	if err != nil {
		return nil, err
	}

	q := &Query{Mode: mode, Args: args, tree: tree}
	q.cond = cond
	q.condArgs = args

	switch mode {
	case ModeFiles:
		q.SQL = "SELECT f.name, f.type, f.source, f.size, f.md5, f.create_time, f.obsid" +
			" FROM files f WHERE " + cond
	case ModeNames:
		q.SQL = "SELECT f.name FROM files f WHERE " + cond
	case ModeObs:
		q.SQL = "SELECT o.obsid, o.start_time_jd, o.stop_time_jd, o.start_lst_hr, o.session_id" +
			" FROM observations o WHERE " + cond
	case ModeSessions:
		q.SQL = "SELECT s.id, s.start_time_jd, s.stop_time_jd FROM observing_sessions s WHERE " + cond
	case ModeInstances:
		q.SQL = "SELECT fi.store_id, fi.parent_dirs, fi.name, fi.deletion_policy" +
			" FROM file_instances fi JOIN files f ON f.name = fi.name WHERE " + cond
	case ModeInstancesStores:
		q.SQL = "SELECT fi.store_id, fi.parent_dirs, fi.name, fi.deletion_policy," +
			" st.id, st.name, st.ssh_host, st.path_prefix, st.http_prefix, st.available" +
			" FROM file_instances fi" +
			" JOIN stores st ON st.id = fi.store_id" +
			" JOIN files f ON f.name = fi.name WHERE " + cond
	}

	return q, nil
}

// Validate compiles the search in files mode and discards the result. Used
// when standing orders are created or updated.
func Validate(text string) error {
	_, err := Compile(text, ModeFiles)
	return err
}

func stripComments(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// anyMap adapts a decoded JSON object to the payload type the boolean
// combinators expect.
func anyMap(m map[string]any) any { return m }

// sortedKeys gives deterministic clause ordering; map iteration order would
// otherwise make compiled SQL unstable.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
