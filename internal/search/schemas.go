package search

import (
	"fmt"
	"strings"
	"time"
)

// Attribute tables for the three searchable entity kinds. Derived attributes
// are expressed as SQL directly so they evaluate inside the query; computing
// them in Go would silently fail to constrain anything.

var obsAttrs = []attribute{
	{"obsid", attrInt, "o.obsid"},
	{"start-time-jd", attrFloat, "o.start_time_jd"},
	{"stop-time-jd", attrFloat, "o.stop_time_jd"},
	{"start-lst-hr", attrFloat, "o.start_lst_hr"},
	{"session-id", attrInt, "o.session_id"},
	{"duration", attrFloat, "(o.stop_time_jd - o.start_time_jd)"},
	{"num-files", attrInt, "(SELECT COUNT(*) FROM files f2 WHERE f2.obsid = o.obsid)"},
	{"total-size", attrInt, "(SELECT COALESCE(SUM(f2.size), 0) FROM files f2 WHERE f2.obsid = o.obsid)"},
}

func newObsCompiler(now time.Time) *compiler {
	cp := newCompiler(now)
	cp.addAttributes(obsAttrs)
	return cp
}

var sessionAttrs = []attribute{
	{"session-id", attrInt, "s.id"},
	{"start-time-jd", attrFloat, "s.start_time_jd"},
	{"stop-time-jd", attrFloat, "s.stop_time_jd"},
	{"duration", attrFloat, "(s.stop_time_jd - s.start_time_jd)"},
	{"num-obs", attrInt, "(SELECT COUNT(*) FROM observations o2 WHERE o2.session_id = s.id)"},
	{"num-files", attrInt, "(SELECT COUNT(*) FROM files f2" +
		" JOIN observations o2 ON o2.obsid = f2.obsid WHERE o2.session_id = s.id)"},
}

func newSessionCompiler(now time.Time) *compiler {
	cp := newCompiler(now)
	cp.addAttributes(sessionAttrs)

	// "age" is measured from now, in days.
	cp.addAttributes([]attribute{
		{"age", attrFloat, fmt.Sprintf("(%v - s.stop_time_jd)", julianDate(now))},
	})

	cp.clauses["no-file-has-event"] = cp.doNoFileHasEvent
	return cp
}

func (cp *compiler) doNoFileHasEvent(name string, payload any) (string, []any, error) {
	eventType, ok := payload.(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q clause contents must be text, but got %T",
			ErrBadSearch, name, payload)
	}
	cond := "(SELECT COUNT(*) FROM files f2" +
		" JOIN observations o2 ON o2.obsid = f2.obsid" +
		" JOIN file_events e ON e.name = f2.name" +
		" WHERE o2.session_id = s.id AND e.type = ?) = 0"
	return cond, []any{eventType}, nil
}

var fileAttrs = []attribute{
	{"name", attrString, "f.name"},
	{"type", attrString, "f.type"},
	{"source", attrString, "f.source"},
	{"size", attrInt, "f.size"},
	{"obsid", attrInt, "f.obsid"},
	{"num-instances", attrInt, "(SELECT COUNT(*) FROM file_instances fi2 WHERE fi2.name = f.name)"},
}

func newFileCompiler(now time.Time) *compiler {
	cp := newCompiler(now)
	cp.addAttributes(fileAttrs)

	cp.clauses["obs-matches"] = cp.doObsMatches
	cp.clauses["obsid-is-null"] = cp.doObsidIsNull

	// Compat aliases from older clients.
	cp.clauses["name-like"] = cp.clauses["name-matches"]
	cp.clauses["source-is"] = cp.clauses["source-is-exactly"]

	// These are technically observation attributes, not file attributes,
	// but users shouldn't have to jump through extra hoops to query for
	// them, so the clauses are proxied through an obsid subquery.
	obsCp := newObsCompiler(now)
	for cname := range obsCp.clauses {
		for _, pfx := range []string{"start-time-jd", "stop-time-jd", "start-lst-hr", "session-id"} {
			if strings.HasPrefix(cname, pfx) {
				cp.clauses[cname] = cp.obsSubQuery(obsCp, cname)
			}
		}
	}

	cp.clauses["not-older-than"] = cp.createTimeCutoff(">")
	cp.clauses["not-newer-than"] = cp.createTimeCutoff("<")

	return cp
}

// The payload of obsid-is-null is ignored.
func (cp *compiler) doObsidIsNull(string, any) (string, []any, error) {
	return "f.obsid IS NULL", nil, nil
}

// createTimeCutoff handles not-older-than and not-newer-than, whose payloads
// are ages in days.
func (cp *compiler) createTimeCutoff(op string) clauseFunc {
	return func(name string, payload any) (string, []any, error) {
		days, err := numPayload(name, payload)
		if err != nil {
			return "", nil, err
		}
		cutoff := cp.now.Add(-time.Duration(days * float64(24*time.Hour)))
		return "f.create_time " + op + " ?", []any{cutoff}, nil
	}
}

// doObsMatches embeds a full observation search; files match when their
// observation does.
func (cp *compiler) doObsMatches(name string, payload any) (string, []any, error) {
	obsCp := newObsCompiler(cp.now)
	cond, args, err := obsCp.compileClause("and", payload)
	if err != nil {
		return "", nil, err
	}
	return "f.obsid IN (SELECT o.obsid FROM observations o WHERE " + cond + ")", args, nil
}

// obsSubQuery proxies a single observation clause into file queries.
func (cp *compiler) obsSubQuery(obsCp *compiler, cname string) clauseFunc {
	return func(name string, payload any) (string, []any, error) {
		cond, args, err := obsCp.compileClause(cname, payload)
		if err != nil {
			return "", nil, err
		}
		return "f.obsid IN (SELECT o.obsid FROM observations o WHERE " + cond + ")", args, nil
	}
}
