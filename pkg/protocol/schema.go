package protocol

// SchemaDDL defines the SQLite schema for the guild hub database.
// Tables: projects, messages, deliveries, delivery_attempts, tasks,
// task_events, agents, memories, memories_fts (FTS5).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Projects group tasks and scope memory and delivery
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    goal TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Every published envelope, immutable after insert
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    recipients TEXT NOT NULL,
    kind TEXT NOT NULL,
    mode TEXT NOT NULL,
    project_id TEXT,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL,
    expires_at TEXT
);

-- Delivery ledger: one row per (message, recipient); the exactly-once
-- outcome record. seq orders deliveries within a correlation chain.
CREATE TABLE IF NOT EXISTS deliveries (
    message_id TEXT NOT NULL,
    recipient TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    requires_ack INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT NOT NULL,
    delivered_at TEXT,
    acked_at TEXT,
    dead_lettered_at TEXT,
    dead_letter_reason TEXT,
    PRIMARY KEY (message_id, recipient)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_status
    ON deliveries(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_chain
    ON deliveries(recipient, correlation_id, seq);

-- Per-send attempt history, kept for dead-letter audit
CREATE TABLE IF NOT EXISTS delivery_attempts (
    id INTEGER PRIMARY KEY,
    message_id TEXT NOT NULL,
    recipient TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    error TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Router-owned task records
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    spec TEXT,
    capability TEXT NOT NULL,
    quality_criteria TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending',
    assigned_role TEXT,
    assignee TEXT,
    rejections INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Append-only task history: every status transition with its actor
CREATE TABLE IF NOT EXISTS task_events (
    id INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL,
    note TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_events_task
    ON task_events(task_id, id);

-- Agent registry with liveness and performance counters
CREATE TABLE IF NOT EXISTS agents (
    instance_id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    capabilities TEXT NOT NULL DEFAULT '[]',
    projects TEXT NOT NULL DEFAULT '[]',
    state TEXT NOT NULL DEFAULT 'idle',
    last_seen TEXT NOT NULL,
    completed INTEGER NOT NULL DEFAULT 0,
    handling_ms INTEGER NOT NULL DEFAULT 0
);

-- Four-tier memory: one table with a tier discriminant
CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY,
    project_id TEXT NOT NULL,
    agent_id TEXT,
    tier TEXT NOT NULL,
    content TEXT NOT NULL,
    importance REAL NOT NULL DEFAULT 0.5,
    tokens INTEGER NOT NULL DEFAULT 0,
    summary INTEGER NOT NULL DEFAULT 0,
    superseded_by INTEGER,
    source_task TEXT,
    embedding BLOB,
    created_at TEXT NOT NULL,
    last_accessed_at TEXT NOT NULL,
    last_decayed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_scope
    ON memories(project_id, tier);

-- FTS5 full-text index over memories for BM25-ranked search
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    content,
    content=memories,
    content_rowid=id
);

-- Triggers to keep FTS index in sync with memories table
CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
    INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;
`
