package cache

// Schema contains SQL schema definitions for the local store
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password TEXT NOT NULL,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL,
    secure INTEGER NOT NULL DEFAULT 1,
    folder TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    last_sync TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Messages table. message_id is the protocol Message-ID and the dedup key.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    message_id TEXT NOT NULL UNIQUE,
    subject TEXT NOT NULL DEFAULT '',
    from_addr TEXT NOT NULL DEFAULT '',
    to_addrs TEXT NOT NULL DEFAULT '[]',
    cc_addrs TEXT NOT NULL DEFAULT '[]',
    bcc_addrs TEXT NOT NULL DEFAULT '[]',
    date TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    html_body TEXT NOT NULL DEFAULT '',
    folder TEXT NOT NULL DEFAULT '',
    is_read INTEGER NOT NULL DEFAULT 0,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    labels TEXT NOT NULL DEFAULT '[]',
    category TEXT NOT NULL DEFAULT 'uncategorized',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active);
CREATE INDEX IF NOT EXISTS idx_messages_account_id ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);

-- Search documents, written by the enrichment pipeline
CREATE TABLE IF NOT EXISTS search_documents (
    doc_id INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    account_id TEXT NOT NULL,
    folder TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    recipients TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    date TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'uncategorized',
    is_read INTEGER NOT NULL DEFAULT 0,
    is_flagged INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_search_documents_account_id ON search_documents(account_id);
CREATE INDEX IF NOT EXISTS idx_search_documents_date ON search_documents(date);
CREATE INDEX IF NOT EXISTS idx_search_documents_category ON search_documents(category);

-- Full-text search index
CREATE VIRTUAL TABLE IF NOT EXISTS search_fts USING fts5(
    subject,
    sender,
    recipients,
    body,
    content='search_documents',
    content_rowid='doc_id'
);

-- Triggers for FTS. External content tables need the 'delete' command with
-- the old values before the new row is inserted.
CREATE TRIGGER IF NOT EXISTS search_fts_insert AFTER INSERT ON search_documents BEGIN
    INSERT INTO search_fts(rowid, subject, sender, recipients, body)
    VALUES (new.doc_id, new.subject, new.sender, new.recipients, new.body);
END;

CREATE TRIGGER IF NOT EXISTS search_fts_update AFTER UPDATE ON search_documents BEGIN
    INSERT INTO search_fts(search_fts, rowid, subject, sender, recipients, body)
    VALUES ('delete', old.doc_id, old.subject, old.sender, old.recipients, old.body);
    INSERT INTO search_fts(rowid, subject, sender, recipients, body)
    VALUES (new.doc_id, new.subject, new.sender, new.recipients, new.body);
END;

CREATE TRIGGER IF NOT EXISTS search_fts_delete AFTER DELETE ON search_documents BEGIN
    INSERT INTO search_fts(search_fts, rowid, subject, sender, recipients, body)
    VALUES ('delete', old.doc_id, old.subject, old.sender, old.recipients, old.body);
END;
`
