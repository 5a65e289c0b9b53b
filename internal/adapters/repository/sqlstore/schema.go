package sqlstore

// schema is portable between SQLite and PostgreSQL. Times are unix
// nanoseconds so both drivers scan them the same way.
const schema = `
CREATE TABLE IF NOT EXISTS vote_slot (
    voter_token TEXT NOT NULL,
    dish_id TEXT NOT NULL,
    edition_id TEXT NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('reserved', 'committed')),
    holder TEXT NOT NULL,
    reserved_at BIGINT NOT NULL,
    PRIMARY KEY (voter_token, dish_id, edition_id)
);

CREATE TABLE IF NOT EXISTS vote (
    id TEXT PRIMARY KEY,
    voter_token TEXT NOT NULL,
    dish_id TEXT NOT NULL,
    edition_id TEXT NOT NULL,
    category TEXT NOT NULL,
    apresentacao DOUBLE PRECISION NOT NULL,
    sabor DOUBLE PRECISION NOT NULL,
    experiencia DOUBLE PRECISION NOT NULL,
    total DOUBLE PRECISION NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    distance_km DOUBLE PRECISION NOT NULL,
    captured_at BIGINT NOT NULL,
    submitted_at BIGINT NOT NULL,
    badge TEXT NOT NULL DEFAULT '',
    ranking_position INTEGER NOT NULL DEFAULT 0,
    UNIQUE (voter_token, dish_id, edition_id)
);

CREATE INDEX IF NOT EXISTS idx_vote_voter_token ON vote(voter_token);
CREATE INDEX IF NOT EXISTS idx_vote_dish ON vote(edition_id, dish_id);
`
