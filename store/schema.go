// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package store

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	username     TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	email        TEXT NOT NULL,
	role         TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	is_active    INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transfers (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	reference           TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL,
	category             TEXT NOT NULL,
	status              TEXT NOT NULL,
	priority            TEXT NOT NULL DEFAULT 'normal',
	artist_id           INTEGER NOT NULL REFERENCES users(id),
	staging_path        TEXT NOT NULL,
	production_path     TEXT,
	total_files         INTEGER NOT NULL DEFAULT 0,
	total_size_bytes    INTEGER NOT NULL DEFAULT 0,
	scan_result         TEXT,
	scan_passed         INTEGER,
	transfer_verified   INTEGER,
	transfer_method     TEXT,
	transfer_started_at TEXT,
	transfer_completed_at TEXT,
	rejection_reason    TEXT,
	tags                TEXT,
	shotgrid_project_id   INTEGER,
	shotgrid_project_name TEXT,
	shotgrid_entity_type  TEXT,
	shotgrid_entity_id    INTEGER,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
CREATE INDEX IF NOT EXISTS idx_transfers_artist ON transfers(artist_id);

CREATE TABLE IF NOT EXISTS transfer_files (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id        INTEGER NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	filename           TEXT NOT NULL,
	original_path      TEXT NOT NULL,
	size_bytes         INTEGER NOT NULL,
	checksum_sha256    TEXT,
	checksum_verified  INTEGER,
	virus_scan_status  TEXT NOT NULL DEFAULT 'pending',
	virus_scan_detail  TEXT,
	uploaded_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_transfer ON transfer_files(transfer_id);

CREATE TABLE IF NOT EXISTS approvals (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id   INTEGER NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	required_role TEXT NOT NULL,
	approver_id   INTEGER REFERENCES users(id),
	status        TEXT NOT NULL DEFAULT 'pending',
	comment       TEXT,
	decided_at    TEXT,
	created_at    TEXT NOT NULL,
	UNIQUE(transfer_id, required_role)
);
CREATE INDEX IF NOT EXISTS idx_approvals_transfer ON approvals(transfer_id);

CREATE TABLE IF NOT EXISTS transfer_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id INTEGER NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
	user_id     INTEGER REFERENCES users(id),
	action      TEXT NOT NULL,
	description TEXT NOT NULL,
	metadata    TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_transfer ON transfer_history(transfer_id, id);

CREATE TABLE IF NOT EXISTS notifications (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     INTEGER NOT NULL REFERENCES users(id),
	transfer_id INTEGER REFERENCES transfers(id) ON DELETE CASCADE,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL,
	message     TEXT NOT NULL,
	is_read     INTEGER NOT NULL DEFAULT 0,
	email_sent  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read);
`

// applies the schema to a freshly opened connection. Table/index creation is
// idempotent (IF NOT EXISTS), so this is safe to call on every process start.
func applySchema(conn *sqlite.Conn) error {
	return sqlitex.ExecScript(conn, schema)
}
