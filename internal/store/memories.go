package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/model"
)

// DB satisfies the vector index contract with a brute-force cosine scan over
// the namespace. Namespaces are small (one user, one kind), so a scan is fine.
var _ index.Index = (*DB)(nil)

const memoryColumns = `id, owner_id, kind, category, summary, tags,
	source_trust, valence, intensity, importance, pinned, explicit_importance, legal_hold,
	access_count, archived, archived_at, deleted, deleted_at, indexed,
	related_ids, merged_from, version, created_at, updated_at, last_accessed_at`

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrIndexUnavailable, op, err)
}

// Put upserts a memory and its vector. A nil vector leaves a placeholder.
func (db *DB) Put(ctx context.Context, ns model.Namespace, key string, vec []float32, rec model.Record) error {
	if err := index.CheckNamespace(ns, key, &rec); err != nil {
		return err
	}
	rec.ID = key
	rec.Indexed = len(vec) > 0
	if err := rec.Validate(); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin put", err)
	}
	defer tx.Rollback()

	args, err := recordArgs(&rec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category, summary = excluded.summary, tags = excluded.tags,
			source_trust = excluded.source_trust, valence = excluded.valence,
			intensity = excluded.intensity, importance = excluded.importance,
			pinned = excluded.pinned, explicit_importance = excluded.explicit_importance,
			legal_hold = excluded.legal_hold, access_count = excluded.access_count,
			archived = excluded.archived, archived_at = excluded.archived_at,
			deleted = excluded.deleted, deleted_at = excluded.deleted_at,
			indexed = excluded.indexed, related_ids = excluded.related_ids,
			merged_from = excluded.merged_from, version = excluded.version,
			updated_at = excluded.updated_at, last_accessed_at = excluded.last_accessed_at
		WHERE memories.owner_id = excluded.owner_id AND memories.kind = excluded.kind
	`, args...)
	if err != nil {
		return unavailable("put memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: key %s belongs to another namespace", model.ErrInvalidRecord, key)
	}

	if rec.Indexed {
		err = saveVector(ctx, tx, key, vec)
	} else {
		err = deleteVector(ctx, tx, key)
	}
	if err != nil {
		return unavailable("put vector", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit put", err)
	}
	return nil
}

// UpdateRecord rewrites a memory's mutable fields without touching its vector.
func (db *DB) UpdateRecord(ctx context.Context, ns model.Namespace, rec model.Record) error {
	if err := index.CheckNamespace(ns, rec.ID, &rec); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	tags, related, merged, err := encodeSets(&rec)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET
			category = ?, summary = ?, tags = ?, source_trust = ?, valence = ?, intensity = ?,
			importance = ?, pinned = ?, explicit_importance = ?, legal_hold = ?, access_count = ?,
			archived = ?, archived_at = ?, deleted = ?, deleted_at = ?,
			related_ids = ?, merged_from = ?, version = ?, updated_at = ?, last_accessed_at = ?
		WHERE id = ? AND owner_id = ? AND kind = ?
	`, string(rec.Category), rec.Summary, tags, rec.SourceTrust, valenceOrNeutral(rec.Valence), rec.Intensity,
		rec.Importance, rec.Pinned, rec.ExplicitImportance, rec.LegalHold, rec.AccessCount,
		rec.Archived, millisOrNil(rec.ArchivedAt), rec.Deleted, millisOrNil(rec.DeletedAt),
		related, merged, rec.Version, rec.UpdatedAt.UnixMilli(), rec.LastAccessedAt.UnixMilli(),
		rec.ID, ns.OwnerID, string(ns.Kind))
	if err != nil {
		return unavailable("update memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", rec.ID, model.ErrNotFound)
	}
	return nil
}

// Get returns a memory by key, or nil if not found.
func (db *DB) Get(ctx context.Context, ns model.Namespace, key string) (*model.Record, error) {
	if err := index.CheckNamespace(ns, key, nil); err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE id = ? AND owner_id = ? AND kind = ?
	`, key, ns.OwnerID, string(ns.Kind))
	rec, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get memory", err)
	}
	return &rec, nil
}

// Search scores every live, embedded memory in the namespace against query.
func (db *DB) Search(ctx context.Context, ns model.Namespace, query []float32, filter index.Filter, limit int) ([]index.Hit, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if len(query) == 0 || limit <= 0 {
		return nil, nil
	}

	q := `
		SELECT ` + prefixColumns("m.") + `, v.embedding
		FROM memories m JOIN memory_vectors v ON v.memory_id = m.id
		WHERE m.owner_id = ? AND m.kind = ? AND m.archived = 0 AND m.deleted = 0
			AND m.source_trust >= ?`
	args := []any{ns.OwnerID, string(ns.Kind), filter.MinTrust}
	if cats := filter.CategoryStrings(); len(cats) > 0 {
		q += ` AND m.category IN (?` + strings.Repeat(", ?", len(cats)-1) + `)`
		for _, c := range cats {
			args = append(args, c)
		}
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("search", err)
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var blob []byte
		rec, err := scanMemory(rows, &blob)
		if err != nil {
			return nil, unavailable("scan search hit", err)
		}
		hits = append(hits, index.Hit{
			Record:     rec,
			Similarity: index.Cosine(query, decodeEmbedding(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search rows", err)
	}

	index.SortHits(hits)
	return index.Truncate(hits, limit), nil
}

// Delete removes a memory and its vector.
func (db *DB) Delete(ctx context.Context, ns model.Namespace, key string) error {
	if err := index.CheckNamespace(ns, key, nil); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memory_vectors WHERE memory_id IN (
			SELECT id FROM memories WHERE id = ? AND owner_id = ? AND kind = ?
		)`, key, ns.OwnerID, string(ns.Kind)); err != nil {
		return unavailable("delete vector", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM memories WHERE id = ? AND owner_id = ? AND kind = ?",
		key, ns.OwnerID, string(ns.Kind)); err != nil {
		return unavailable("delete memory", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit delete", err)
	}
	return nil
}

// Walk loads every memory and then calls fn for each, so fn is free to write.
func (db *DB) Walk(ctx context.Context, fn func(model.Record) error) error {
	rows, err := db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY created_at, id`)
	if err != nil {
		return unavailable("walk", err)
	}

	var all []model.Record
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			return unavailable("scan walk", err)
		}
		all = append(all, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
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

// CountMemories returns the number of stored memories, including archived.
func (db *DB) CountMemories(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(s scanner, extra ...any) (model.Record, error) {
	var r model.Record
	var tags, related, merged, valence string
	var archivedAt, deletedAt sql.NullInt64
	var createdAt, updatedAt, lastAccess int64

	dest := []any{&r.ID, &r.OwnerID, &r.Kind, &r.Category, &r.Summary, &tags,
		&r.SourceTrust, &valence, &r.Intensity, &r.Importance,
		&r.Pinned, &r.ExplicitImportance, &r.LegalHold,
		&r.AccessCount, &r.Archived, &archivedAt, &r.Deleted, &deletedAt, &r.Indexed,
		&related, &merged, &r.Version, &createdAt, &updatedAt, &lastAccess}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return r, err
	}

	r.Valence = model.Valence(valence)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	r.LastAccessedAt = time.UnixMilli(lastAccess)
	if archivedAt.Valid {
		t := time.UnixMilli(archivedAt.Int64)
		r.ArchivedAt = &t
	}
	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64)
		r.DeletedAt = &t
	}
	if err := decodeSet(tags, &r.Tags); err != nil {
		return r, fmt.Errorf("decode tags: %w", err)
	}
	if err := decodeSet(related, &r.RelatedIDs); err != nil {
		return r, fmt.Errorf("decode related ids: %w", err)
	}
	if err := decodeSet(merged, &r.MergedFrom); err != nil {
		return r, fmt.Errorf("decode merged from: %w", err)
	}
	return r, nil
}

func recordArgs(r *model.Record) ([]any, error) {
	tags, related, merged, err := encodeSets(r)
	if err != nil {
		return nil, err
	}
	return []any{r.ID, r.OwnerID, string(r.Kind), string(r.Category), r.Summary, tags,
		r.SourceTrust, valenceOrNeutral(r.Valence), r.Intensity, r.Importance,
		r.Pinned, r.ExplicitImportance, r.LegalHold,
		r.AccessCount, r.Archived, millisOrNil(r.ArchivedAt), r.Deleted, millisOrNil(r.DeletedAt), r.Indexed,
		related, merged, r.Version,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), r.LastAccessedAt.UnixMilli()}, nil
}

func encodeSets(r *model.Record) (tags, related, merged string, err error) {
	if tags, err = encodeSet(r.Tags); err != nil {
		return
	}
	if related, err = encodeSet(r.RelatedIDs); err != nil {
		return
	}
	merged, err = encodeSet(r.MergedFrom)
	return
}

func encodeSet(s []string) (string, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode set: %w", err)
	}
	return string(b), nil
}

func decodeSet(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func valenceOrNeutral(v model.Valence) string {
	if v == "" {
		return string(model.ValenceNeutral)
	}
	return string(v)
}

func prefixColumns(prefix string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
