package store

// Schema is the capture ledger. Rows are permanent: deletes are rejected by
// trigger so the evidentiary log outlives the files it attests. Timestamps
// are unix nanoseconds, UTC.
const Schema = `
CREATE TABLE IF NOT EXISTS capture_attempts (
    id               TEXT PRIMARY KEY,
    stock_id         TEXT NOT NULL,
    location_code    TEXT NOT NULL,
    zip              TEXT NOT NULL,
    location_json    TEXT NOT NULL DEFAULT '{}',
    dir              TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    failure_stage    TEXT NOT NULL DEFAULT '',
    failure_reason   TEXT NOT NULL DEFAULT '',
    listing_status   TEXT NOT NULL DEFAULT 'unknown',
    evidence_digest  TEXT NOT NULL DEFAULT '',
    page_json        TEXT NOT NULL DEFAULT '',
    time_proof_json  TEXT NOT NULL DEFAULT '',
    diagnostics_json TEXT NOT NULL DEFAULT '[]',
    report_path      TEXT NOT NULL DEFAULT '',
    started_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    completed_at     INTEGER,
    purged_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_attempts_started ON capture_attempts(started_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_status ON capture_attempts(status, started_at);

CREATE TABLE IF NOT EXISTS image_evidence (
    attempt_id   TEXT NOT NULL REFERENCES capture_attempts(id),
    role         TEXT NOT NULL,
    file_path    TEXT NOT NULL,
    sha256       TEXT NOT NULL,
    captured_at  INTEGER NOT NULL,
    width        INTEGER NOT NULL DEFAULT 0,
    height       INTEGER NOT NULL DEFAULT 0,
    tooltip_text TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (attempt_id, role)
);

CREATE TRIGGER IF NOT EXISTS capture_attempts_permanent BEFORE DELETE ON capture_attempts BEGIN
    SELECT RAISE(ABORT, 'capture_attempts rows are permanent');
END;
CREATE TRIGGER IF NOT EXISTS image_evidence_permanent BEFORE DELETE ON image_evidence BEGIN
    SELECT RAISE(ABORT, 'image_evidence rows are permanent');
END;
CREATE TRIGGER IF NOT EXISTS image_evidence_immutable BEFORE UPDATE ON image_evidence BEGIN
    SELECT RAISE(ABORT, 'image_evidence rows are immutable once hashed');
END;
`
