// Package librarian is the root of the data librarian server, a federated
// catalog of immutable scientific data files and the stores that hold them.
//
// The interesting pieces live under internal/: the catalog data model, the
// search compiler, the background task manager, and the standing-order
// replication engine. The cmd/librarian binary wires them together.
package librarian

// Version is the current librarian release.
const Version = "1.2.0"
