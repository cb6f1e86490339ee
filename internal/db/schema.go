package db

// EmbeddingDimension is the vector size of the context_item HNSW index.
const EmbeddingDimension = 384

// SchemaSQL contains the database schema initialization SQL.
// Record ids are integers allocated from the counter table so they can be
// exposed directly as numeric API ids.
const SchemaSQL = `
    -- ==========================================================================
    -- COUNTER TABLE (integer id allocation, one row per table)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS counter SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS value ON counter TYPE int DEFAULT 0;

    -- ==========================================================================
    -- TOPIC TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS topic SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON topic TYPE string;
    DEFINE FIELD IF NOT EXISTS description ON topic TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_at ON topic TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS topic_name ON topic FIELDS name UNIQUE;

    -- ==========================================================================
    -- CONTEXT_ITEM TABLE (retrievable passages)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS context_item SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS topic_id ON context_item TYPE int;
    DEFINE FIELD IF NOT EXISTS title ON context_item TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON context_item TYPE string;
    DEFINE FIELD IF NOT EXISTS context_type ON context_item TYPE string DEFAULT "markdown";
    DEFINE FIELD IF NOT EXISTS source_path ON context_item TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS position ON context_item TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS embedding ON context_item TYPE option<array<float>>;
    DEFINE FIELD IF NOT EXISTS created_at ON context_item TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS context_item_topic ON context_item FIELDS topic_id;
    DEFINE INDEX IF NOT EXISTS context_item_source ON context_item FIELDS topic_id, source_path;
    DEFINE ANALYZER IF NOT EXISTS context_analyzer TOKENIZERS class FILTERS lowercase, ascii, snowball(english);
    DEFINE INDEX IF NOT EXISTS context_item_embedding ON context_item FIELDS embedding HNSW DIMENSION 384 DIST COSINE TYPE F32;
    DEFINE INDEX IF NOT EXISTS context_item_content_ft ON context_item FIELDS content FULLTEXT ANALYZER context_analyzer BM25;

    -- ==========================================================================
    -- HISTORY TABLE (persisted exchanges and their feedback)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS history SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS topic_id ON history TYPE int;
    DEFINE FIELD IF NOT EXISTS session_id ON history TYPE string;
    DEFINE FIELD IF NOT EXISTS question ON history TYPE string;
    DEFINE FIELD IF NOT EXISTS answer ON history TYPE string;
    DEFINE FIELD IF NOT EXISTS feedback_score ON history TYPE int DEFAULT 0
        ASSERT $value IN [-1, 0, 1];
    DEFINE FIELD IF NOT EXISTS feedback_comment ON history TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON history TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON history TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS history_session ON history FIELDS session_id;
    DEFINE INDEX IF NOT EXISTS history_topic ON history FIELDS topic_id;
`
