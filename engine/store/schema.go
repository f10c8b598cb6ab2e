package store

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    hypothesis TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'created'
        CHECK(status IN ('created','exploring','paused','completed','failed')),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP,
    result_summary TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS queries (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    query_text TEXT NOT NULL,
    normalized_text TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT 'general',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queries_task ON queries(task_id);

-- Pages are URL-scoped and task-independent; task linkage flows through
-- serp_items -> queries -> tasks.
CREATE TABLE IF NOT EXISTS pages (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL DEFAULT '',
    domain TEXT NOT NULL DEFAULT '',
    html_path TEXT NOT NULL DEFAULT '',
    canonical_id TEXT,
    fetched_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pages_domain ON pages(domain);

CREATE TABLE IF NOT EXISTS serp_items (
    url TEXT NOT NULL,
    query_id TEXT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
    title TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    source_tag TEXT NOT NULL DEFAULT 'unknown',
    rank INTEGER NOT NULL,
    PRIMARY KEY (query_id, url)
);
CREATE INDEX IF NOT EXISTS idx_serp_items_url ON serp_items(url);

CREATE TABLE IF NOT EXISTS fragments (
    id TEXT PRIMARY KEY,
    page_id TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    text_content TEXT NOT NULL,
    heading_context TEXT NOT NULL DEFAULT '',
    rerank_score REAL NOT NULL DEFAULT 0,
    is_relevant INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fragments_page ON fragments(page_id);

CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    claim_text TEXT NOT NULL,
    claim_type TEXT NOT NULL DEFAULT 'factual'
        CHECK(claim_type IN ('factual','causal','comparative','definitional','temporal','quantitative')),
    expected_polarity TEXT NOT NULL DEFAULT 'neutral'
        CHECK(expected_polarity IN ('positive','negative','neutral')),
    granularity TEXT NOT NULL DEFAULT 'atomic'
        CHECK(granularity IN ('atomic','composite','meta')),
    parent_claim_id TEXT,
    confidence_score REAL NOT NULL DEFAULT 1.0
        CHECK(confidence_score >= 0 AND confidence_score <= 1),
    timeline_json TEXT NOT NULL DEFAULT '[]',
    is_verified INTEGER NOT NULL DEFAULT 0,
    is_rejected INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_claims_task ON claims(task_id);

-- Heterogeneous adjacency: endpoints are (type, id) pairs. Cycles across
-- page/fragment/claim are legal; traversal carries a visited set.
CREATE TABLE IF NOT EXISTS edges (
    id TEXT PRIMARY KEY,
    source_type TEXT NOT NULL,
    source_id TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    relation TEXT NOT NULL
        CHECK(relation IN ('supports','refutes','cites','extracts')),
    confidence REAL NOT NULL DEFAULT 1.0
        CHECK(confidence >= 0 AND confidence <= 1),
    context TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (source_type, source_id, target_type, target_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_type, source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_type, target_id);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    kind TEXT NOT NULL
        CHECK(kind IN ('search_queue','target_queue','verify_nli','citation_graph')),
    priority INTEGER NOT NULL DEFAULT 50,
    slot TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'queued'
        CHECK(state IN ('queued','running','done','failed')),
    input_json TEXT NOT NULL DEFAULT '{}',
    queued_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    cause_id TEXT,
    error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_task_state ON jobs(task_id, state);

CREATE TABLE IF NOT EXISTS engine_health (
    engine TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'closed',
    success_rate_1h REAL NOT NULL DEFAULT 1.0,
    success_rate_24h REAL NOT NULL DEFAULT 1.0,
    captcha_rate REAL NOT NULL DEFAULT 0.0,
    median_latency_ms REAL NOT NULL DEFAULT 1000.0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    cooldown_until TIMESTAMP,
    last_used_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS engine_requests (
    engine TEXT NOT NULL,
    requested_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_engine_requests ON engine_requests(engine, requested_at);

CREATE TABLE IF NOT EXISTS embeddings (
    target_type TEXT NOT NULL CHECK(target_type IN ('fragment','claim')),
    target_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    vector BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (target_type, target_id, model_id)
);

CREATE TABLE IF NOT EXISTS domain_overrides (
    domain TEXT PRIMARY KEY,
    action TEXT NOT NULL CHECK(action IN ('block','allow')),
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS calibration_params (
    source TEXT NOT NULL,
    version INTEGER NOT NULL,
    method TEXT NOT NULL DEFAULT 'platt',
    params_json TEXT NOT NULL DEFAULT '{}',
    brier_after REAL,
    active INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source, version)
);
`

const views = `
CREATE VIEW IF NOT EXISTS v_claim_evidence_summary AS
SELECT
    c.id AS claim_id,
    c.task_id,
    c.claim_text,
    c.claim_type,
    c.confidence_score,
    c.is_verified,
    SUM(CASE WHEN e.relation = 'supports' THEN 1 ELSE 0 END) AS support_count,
    SUM(CASE WHEN e.relation = 'refutes' THEN 1 ELSE 0 END) AS refute_count,
    COUNT(e.id) AS evidence_count
FROM claims c
LEFT JOIN edges e ON e.target_type = 'claim' AND e.target_id = c.id
GROUP BY c.id;

CREATE VIEW IF NOT EXISTS v_reference_candidates AS
SELECT
    e.id AS citation_edge_id,
    tp.id AS candidate_page_id,
    tp.url AS candidate_url,
    tp.domain AS candidate_domain,
    tp.html_path AS candidate_html_path,
    e.context AS citation_context,
    sp.id AS citing_page_id,
    sp.url AS citing_page_url,
    sp.domain AS citing_domain,
    e.created_at AS citation_created_at
FROM edges e
JOIN pages sp ON e.source_type = 'page' AND e.source_id = sp.id
JOIN pages tp ON e.target_type = 'page' AND e.target_id = tp.id
WHERE e.relation = 'cites'
  AND tp.html_path = ''
ORDER BY e.created_at ASC;
`
