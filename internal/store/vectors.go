package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds the embedding for a memory.
type VectorRecord struct {
	MemoryID   string
	Embedding  []float32
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float32 to a binary BLOB (4 bytes per float32).
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float32.
func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// saveVector stores or replaces the embedding for a memory.
func saveVector(ctx context.Context, ex execer, memoryID string, embedding []float32) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := ex.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, embedding, dimensions, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, memoryID, blob, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// deleteVector removes the embedding for a memory.
func deleteVector(ctx context.Context, ex execer, memoryID string) error {
	_, err := ex.ExecContext(ctx, "DELETE FROM memory_vectors WHERE memory_id = ?", memoryID)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// GetVector returns the embedding for a memory, or nil if not found.
func (db *DB) GetVector(ctx context.Context, memoryID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRowContext(ctx, `
		SELECT memory_id, embedding, dimensions, created_at
		FROM memory_vectors WHERE memory_id = ?
	`, memoryID).Scan(&v.MemoryID, &blob, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// CountVectors returns the number of stored embeddings.
func (db *DB) CountVectors(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_vectors").Scan(&n)
	return n, err
}
