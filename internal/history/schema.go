package history

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
  agent_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  id TEXT NOT NULL,
  kind TEXT NOT NULL,
  priority TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY(agent_id, seq)
);

CREATE TABLE IF NOT EXISTS checkpoints (
  agent_id TEXT PRIMARY KEY,
  seq INTEGER NOT NULL,
  state TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS missions (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  phase TEXT NOT NULL,
  record TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_missions_agent ON missions(agent_id, updated_at);
`
