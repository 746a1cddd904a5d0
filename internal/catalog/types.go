package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeletionPolicy controls whether an instance may be removed from its store.
type DeletionPolicy string

const (
	// DeletionDisallowed is the default; the instance must be kept.
	DeletionDisallowed DeletionPolicy = "disallowed"
	// DeletionAllowed marks the instance as safe to delete.
	DeletionAllowed DeletionPolicy = "allowed"
)

// ParseDeletionPolicy validates a caller-supplied policy string.
func ParseDeletionPolicy(s string) (DeletionPolicy, error) {
	switch DeletionPolicy(s) {
	case DeletionDisallowed, DeletionAllowed:
		return DeletionPolicy(s), nil
	}
	return "", fmt.Errorf("%w: unknown deletion policy %q", ErrBadRequest, s)
}

// Stable event type strings. Events are append-only; renaming these would
// orphan history, so don't.
const (
	EventInstanceCreation       = "instance_creation"
	EventDeletionPolicyChanged  = "instance_deletion_policy_changed"
	EventCopyLaunched           = "copy_launched"
	EventCopyFinished           = "copy_finished"
	eventStandingOrderSucceeded = "standing_order_succeeded:"
)

// StandingOrderEventType is the per-order success marker event type.
func StandingOrderEventType(orderName string) string {
	return eventStandingOrderSucceeded + orderName
}

// File is an immutable catalog record describing a named blob of data. Files
// never change after creation; only events accumulate against them.
type File struct {
	Name       string
	Type       string
	Source     string
	Size       int64
	MD5        string
	CreateTime time.Time
	Obsid      *int64
}

// FileInstance locates one copy of a File on a store. Identity is the full
// (store, parent_dirs, name) triple.
type FileInstance struct {
	StoreID        int64
	ParentDirs     string
	Name           string
	DeletionPolicy DeletionPolicy
}

// StorePath is the instance's path relative to the store's prefix.
func (fi *FileInstance) StorePath() string {
	if fi.ParentDirs == "" {
		return fi.Name
	}
	return fi.ParentDirs + "/" + fi.Name
}

// FileEvent is an append-only annotation on a File.
type FileEvent struct {
	ID      int64
	Name    string
	Time    time.Time
	Type    string
	Payload json.RawMessage
}

// Observation is a span of time during which data was probably taken.
type Observation struct {
	Obsid       int64
	StartTimeJD float64
	StopTimeJD  *float64
	StartLSTHr  *float64
	SessionID   *int64
}

// Duration is measured in days; nil when the stop time is unknown.
func (o *Observation) Duration() *float64 {
	if o.StopTimeJD == nil {
		return nil
	}
	d := *o.StopTimeJD - o.StartTimeJD
	return &d
}

// ObservingSession groups contiguous, or nearly so, observations. Its id is
// the obsid of the first observation it contains. Sessions must not overlap.
type ObservingSession struct {
	ID          int64
	StartTimeJD float64
	StopTimeJD  float64
}

// Store is the catalog's record of a storage backend.
type Store struct {
	ID         int64
	Name       string
	SSHHost    string
	PathPrefix string
	HTTPPrefix string
	Available  bool
}

// StandingOrder is a rule for copying matching files to a peer librarian.
type StandingOrder struct {
	ID       int64
	Name     string
	Search   string
	ConnName string
}

// EventType is the success marker recorded per copied file.
func (o *StandingOrder) EventType() string {
	return StandingOrderEventType(o.Name)
}

// Record forms: the denormalized snapshots exchanged between librarians when
// a file is shipped. A RecInfo bundle carries everything the receiving side
// needs to recreate catalog state for one file.

type FileRecord struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Source         string `json:"source"`
	Size           int64  `json:"size"`
	MD5            string `json:"md5"`
	CreateTimeUnix int64  `json:"create_time"`
	Obsid          *int64 `json:"obsid,omitempty"`
}

type ObservationRecord struct {
	Obsid       int64    `json:"obsid"`
	StartTimeJD float64  `json:"start_time_jd"`
	StopTimeJD  *float64 `json:"stop_time_jd,omitempty"`
	StartLSTHr  *float64 `json:"start_lst_hr,omitempty"`
	SessionID   *int64   `json:"session_id,omitempty"`
}

type SessionRecord struct {
	ID          int64   `json:"id"`
	StartTimeJD float64 `json:"start_time_jd"`
	StopTimeJD  float64 `json:"stop_time_jd"`
}

// RecInfo maps are keyed by file name, obsid, and session id respectively,
// matching the wire format peers expect.
type RecInfo struct {
	Files        map[string]FileRecord        `json:"files"`
	Observations map[string]ObservationRecord `json:"observations,omitempty"`
	Sessions     map[string]SessionRecord     `json:"sessions,omitempty"`
}

// Record converts a File to its wire snapshot.
func (f *File) Record() FileRecord {
	return FileRecord{
		Name:           f.Name,
		Type:           f.Type,
		Source:         f.Source,
		Size:           f.Size,
		MD5:            f.MD5,
		CreateTimeUnix: f.CreateTime.Unix(),
		Obsid:          f.Obsid,
	}
}

// Record converts an Observation to its wire snapshot.
func (o *Observation) Record() ObservationRecord {
	return ObservationRecord{
		Obsid:       o.Obsid,
		StartTimeJD: o.StartTimeJD,
		StopTimeJD:  o.StopTimeJD,
		StartLSTHr:  o.StartLSTHr,
		SessionID:   o.SessionID,
	}
}

// Record converts an ObservingSession to its wire snapshot.
func (s *ObservingSession) Record() SessionRecord {
	return SessionRecord{ID: s.ID, StartTimeJD: s.StartTimeJD, StopTimeJD: s.StopTimeJD}
}
