// Package pgstore is a PostgreSQL vector index using the pgvector extension.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
)

var _ index.Index = (*Store)(nil)

// Store implements the index contract on a single persona_memories table.
type Store struct {
	pool *pgxpool.Pool
}

const columns = `id, owner_id, kind, category, summary, tags,
	source_trust, valence, intensity, importance, pinned, explicit_importance, legal_hold,
	access_count, archived, archived_at, deleted, deleted_at, indexed,
	related_ids, merged_from, version, created_at, updated_at, last_accessed_at`

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrIndexUnavailable, op, err)
}

// Open connects to databaseURL and ensures the schema exists. dims fixes the
// vector column width; 0 leaves it unconstrained.
func Open(ctx context.Context, databaseURL string, dims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	// The vector type must exist before AfterConnect can register it.
	bootstrap, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	_, err = bootstrap.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	bootstrap.Close(ctx)
	if err != nil {
		return nil, unavailable("create extension", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("open pool", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx, dims); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context, dims int) error {
	vectorType := "VECTOR"
	if dims > 0 {
		vectorType = fmt.Sprintf("VECTOR(%d)", dims)
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS persona_memories (
  id                  TEXT PRIMARY KEY,
  owner_id            TEXT NOT NULL,
  kind                TEXT NOT NULL,
  category            TEXT NOT NULL,
  summary             TEXT NOT NULL,
  tags                TEXT[] NOT NULL DEFAULT '{}',
  source_trust        DOUBLE PRECISION NOT NULL DEFAULT 0,
  valence             TEXT NOT NULL DEFAULT 'neutral',
  intensity           DOUBLE PRECISION NOT NULL DEFAULT 0,
  importance          DOUBLE PRECISION NOT NULL DEFAULT 0,
  pinned              BOOLEAN NOT NULL DEFAULT false,
  explicit_importance BOOLEAN NOT NULL DEFAULT false,
  legal_hold          BOOLEAN NOT NULL DEFAULT false,
  access_count        INT NOT NULL DEFAULT 0,
  archived            BOOLEAN NOT NULL DEFAULT false,
  archived_at         TIMESTAMPTZ,
  deleted             BOOLEAN NOT NULL DEFAULT false,
  deleted_at          TIMESTAMPTZ,
  indexed             BOOLEAN NOT NULL DEFAULT false,
  related_ids         TEXT[] NOT NULL DEFAULT '{}',
  merged_from         TEXT[] NOT NULL DEFAULT '{}',
  version             INT NOT NULL DEFAULT 1,
  created_at          TIMESTAMPTZ NOT NULL,
  updated_at          TIMESTAMPTZ NOT NULL,
  last_accessed_at    TIMESTAMPTZ NOT NULL,
  embedding           %s
);
CREATE INDEX IF NOT EXISTS persona_memories_ns ON persona_memories (owner_id, kind);
`, vectorType)
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return unavailable("ensure schema", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, ns model.Namespace, key string, vec []float32, rec model.Record) error {
	if err := index.CheckNamespace(ns, key, &rec); err != nil {
		return err
	}
	rec.ID = key
	rec.Indexed = len(vec) > 0
	if err := rec.Validate(); err != nil {
		return err
	}

	var embedding *pgvector.Vector
	if rec.Indexed {
		v := pgvector.NewVector(vec)
		embedding = &v
	}

	args := append(recordArgs(&rec), embedding)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO persona_memories (`+columns+`, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category, summary = EXCLUDED.summary, tags = EXCLUDED.tags,
			source_trust = EXCLUDED.source_trust, valence = EXCLUDED.valence,
			intensity = EXCLUDED.intensity, importance = EXCLUDED.importance,
			pinned = EXCLUDED.pinned, explicit_importance = EXCLUDED.explicit_importance,
			legal_hold = EXCLUDED.legal_hold, access_count = EXCLUDED.access_count,
			archived = EXCLUDED.archived, archived_at = EXCLUDED.archived_at,
			deleted = EXCLUDED.deleted, deleted_at = EXCLUDED.deleted_at,
			indexed = EXCLUDED.indexed, related_ids = EXCLUDED.related_ids,
			merged_from = EXCLUDED.merged_from, version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at, last_accessed_at = EXCLUDED.last_accessed_at,
			embedding = EXCLUDED.embedding
		WHERE persona_memories.owner_id = EXCLUDED.owner_id AND persona_memories.kind = EXCLUDED.kind
	`, args...)
	if err != nil {
		return unavailable("put", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: key %s belongs to another namespace", model.ErrInvalidRecord, key)
	}
	return nil
}

func (s *Store) UpdateRecord(ctx context.Context, ns model.Namespace, rec model.Record) error {
	if err := index.CheckNamespace(ns, rec.ID, &rec); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE persona_memories SET
			category = $4, summary = $5, tags = $6, source_trust = $7, valence = $8, intensity = $9,
			importance = $10, pinned = $11, explicit_importance = $12, legal_hold = $13,
			access_count = $14, archived = $15, archived_at = $16, deleted = $17, deleted_at = $18,
			related_ids = $19, merged_from = $20, version = $21, updated_at = $22, last_accessed_at = $23
		WHERE id = $1 AND owner_id = $2 AND kind = $3
	`, rec.ID, ns.OwnerID, string(ns.Kind),
		string(rec.Category), rec.Summary, nonNil(rec.Tags), rec.SourceTrust, valence(rec.Valence), rec.Intensity,
		rec.Importance, rec.Pinned, rec.ExplicitImportance, rec.LegalHold,
		rec.AccessCount, rec.Archived, rec.ArchivedAt, rec.Deleted, rec.DeletedAt,
		nonNil(rec.RelatedIDs), nonNil(rec.MergedFrom), rec.Version, rec.UpdatedAt, rec.LastAccessedAt)
	if err != nil {
		return unavailable("update", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", rec.ID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ns model.Namespace, key string) (*model.Record, error) {
	if err := index.CheckNamespace(ns, key, nil); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM persona_memories
		WHERE id = $1 AND owner_id = $2 AND kind = $3`, key, ns.OwnerID, string(ns.Kind))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return &rec, nil
}

func (s *Store) Search(ctx context.Context, ns model.Namespace, query []float32, filter index.Filter, limit int) ([]index.Hit, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if len(query) == 0 || limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+`, 1 - (embedding <=> $3) AS similarity
		FROM persona_memories
		WHERE owner_id = $1 AND kind = $2 AND embedding IS NOT NULL
			AND NOT archived AND NOT deleted AND source_trust >= $4
			AND ($5::text[] IS NULL OR category = ANY($5))
		ORDER BY embedding <=> $3
		LIMIT $6
	`, ns.OwnerID, string(ns.Kind), pgvector.NewVector(query), filter.MinTrust, filter.CategoryStrings(), limit)
	if err != nil {
		return nil, unavailable("search", err)
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var sim float64
		rec, err := scanRecord(rows, &sim)
		if err != nil {
			return nil, unavailable("scan search", err)
		}
		hits = append(hits, index.Hit{Record: rec, Similarity: index.ClampSimilarity(sim)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search rows", err)
	}
	index.SortHits(hits)
	return hits, nil
}

func (s *Store) Delete(ctx context.Context, ns model.Namespace, key string) error {
	if err := index.CheckNamespace(ns, key, nil); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM persona_memories WHERE id = $1 AND owner_id = $2 AND kind = $3`,
		key, ns.OwnerID, string(ns.Kind))
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *Store) Walk(ctx context.Context, fn func(model.Record) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM persona_memories ORDER BY created_at, id`)
	if err != nil {
		return unavailable("walk", err)
	}
	var all []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return unavailable("scan walk", err)
		}
		all = append(all, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return unavailable("walk rows", err)
	}

	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.Row, extra ...any) (model.Record, error) {
	var r model.Record
	var kind, category, val string
	var archivedAt, deletedAt *time.Time
	dest := []any{&r.ID, &r.OwnerID, &kind, &category, &r.Summary, &r.Tags,
		&r.SourceTrust, &val, &r.Intensity, &r.Importance,
		&r.Pinned, &r.ExplicitImportance, &r.LegalHold,
		&r.AccessCount, &r.Archived, &archivedAt, &r.Deleted, &deletedAt, &r.Indexed,
		&r.RelatedIDs, &r.MergedFrom, &r.Version, &r.CreatedAt, &r.UpdatedAt, &r.LastAccessedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return r, err
	}
	r.Kind = model.Kind(kind)
	r.Category = model.Category(category)
	r.Valence = model.Valence(val)
	r.ArchivedAt = archivedAt
	r.DeletedAt = deletedAt
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	if len(r.RelatedIDs) == 0 {
		r.RelatedIDs = nil
	}
	if len(r.MergedFrom) == 0 {
		r.MergedFrom = nil
	}
	return r, nil
}

func recordArgs(r *model.Record) []any {
	return []any{r.ID, r.OwnerID, string(r.Kind), string(r.Category), r.Summary, nonNil(r.Tags),
		r.SourceTrust, valence(r.Valence), r.Intensity, r.Importance,
		r.Pinned, r.ExplicitImportance, r.LegalHold,
		r.AccessCount, r.Archived, r.ArchivedAt, r.Deleted, r.DeletedAt, r.Indexed,
		nonNil(r.RelatedIDs), nonNil(r.MergedFrom), r.Version, r.CreatedAt, r.UpdatedAt, r.LastAccessedAt}
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func valence(v model.Valence) string {
	if v == "" {
		return string(model.ValenceNeutral)
	}
	return string(v)
}
