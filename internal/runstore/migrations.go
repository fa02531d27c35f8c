package runstore

const schema = `
CREATE TABLE IF NOT EXISTS cell_runs (
    id TEXT PRIMARY KEY,
    cell_id TEXT NOT NULL,
    batch_id TEXT,
    outcome TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    line_count INTEGER NOT NULL DEFAULT 0,
    action_calls INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cell_runs_cell_id ON cell_runs(cell_id);
CREATE INDEX IF NOT EXISTS idx_cell_runs_batch_id ON cell_runs(batch_id);
CREATE INDEX IF NOT EXISTS idx_cell_runs_started_at ON cell_runs(started_at);

CREATE TABLE IF NOT EXISTS batch_runs (
    id TEXT PRIMARY KEY,
    cell_ids TEXT NOT NULL,
    outcome TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    aborted INTEGER NOT NULL DEFAULT 0,
    restarts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_started_at ON batch_runs(started_at);
`
