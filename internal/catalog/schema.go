package catalog

// Database schema for the librarian catalog. Executed on every open; all
// statements are idempotent. Structural changes beyond this baseline belong
// in migrations.go.
const schema = `
CREATE TABLE IF NOT EXISTS observing_sessions (
    id            INTEGER PRIMARY KEY,
    start_time_jd REAL NOT NULL,
    stop_time_jd  REAL NOT NULL,
    CHECK (start_time_jd < stop_time_jd)
);

CREATE TABLE IF NOT EXISTS observations (
    obsid         INTEGER PRIMARY KEY,
    start_time_jd REAL NOT NULL,
    stop_time_jd  REAL,
    start_lst_hr  REAL,
    session_id    INTEGER REFERENCES observing_sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id);
CREATE INDEX IF NOT EXISTS idx_observations_start ON observations(start_time_jd);

CREATE TABLE IF NOT EXISTS stores (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    ssh_host    TEXT NOT NULL,
    path_prefix TEXT NOT NULL,
    http_prefix TEXT NOT NULL DEFAULT '',
    available   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS files (
    name        TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    source      TEXT NOT NULL,
    size        INTEGER NOT NULL CHECK (size >= 0),
    md5         TEXT NOT NULL,
    create_time TIMESTAMP NOT NULL,
    obsid       INTEGER REFERENCES observations(obsid)
);

CREATE INDEX IF NOT EXISTS idx_files_obsid ON files(obsid);
CREATE INDEX IF NOT EXISTS idx_files_create_time ON files(create_time);
CREATE INDEX IF NOT EXISTS idx_files_source ON files(source);

CREATE TABLE IF NOT EXISTS file_instances (
    store_id        INTEGER NOT NULL REFERENCES stores(id),
    parent_dirs     TEXT NOT NULL,
    name            TEXT NOT NULL REFERENCES files(name),
    deletion_policy TEXT NOT NULL DEFAULT 'disallowed'
        CHECK (deletion_policy IN ('disallowed', 'allowed')),
    PRIMARY KEY (store_id, parent_dirs, name)
);

CREATE INDEX IF NOT EXISTS idx_file_instances_name ON file_instances(name);

CREATE TABLE IF NOT EXISTS file_events (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    name    TEXT NOT NULL REFERENCES files(name),
    time    TIMESTAMP NOT NULL,
    type    TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_file_events_name ON file_events(name);
CREATE INDEX IF NOT EXISTS idx_file_events_type ON file_events(type);

CREATE TABLE IF NOT EXISTS standing_orders (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    name      TEXT NOT NULL UNIQUE,
    search    TEXT NOT NULL,
    conn_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    id         INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
