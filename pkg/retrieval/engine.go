// Package retrieval is the vector store behind the assistant's
// knowledge lookups. Documents and their embeddings live in two tables
// kept strictly 1:1; scoring happens in process over JSON-encoded
// vectors, which keeps the store on plain sqlite with no extension.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// Embedder turns text into a vector. Implementations may fail (model
// down, endpoint unreachable); the engine degrades instead of erroring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one retrieved document, closest first.
type Result struct {
	ID         int64
	Source     string
	SourceType string
	Content    string
	Metadata   map[string]any
	Distance   float64
}

// Engine stores and retrieves embedded documents.
type Engine struct {
	db       *sql.DB
	embedder Embedder
	log      *zap.Logger

	mu        sync.Mutex
	dimension int // pinned by the first successful embedding
}

func NewEngine(db *sql.DB, embedder Embedder, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rag_documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			source_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS rag_documents_type_idx ON rag_documents(source_type);`,
		`CREATE TABLE IF NOT EXISTS rag_vectors (
			document_id INTEGER PRIMARY KEY,
			vector_json TEXT NOT NULL,
			norm REAL NOT NULL DEFAULT 0
		);`,
	}
	if err := storage.InitSchema(db, stmts); err != nil {
		return nil, err
	}

	e := &Engine{db: db, embedder: embedder, log: log}
	// Re-pin the dimension from an existing vector after a restart.
	var vecJSON string
	err := db.QueryRow(`SELECT vector_json FROM rag_vectors LIMIT 1`).Scan(&vecJSON)
	if err == nil {
		if vec := decodeVector(vecJSON); len(vec) > 0 {
			e.dimension = len(vec)
		}
	}
	return e, nil
}

// Insert embeds content and stores it. Returns the new document id, or
// 0 with a nil error when the embedding provider failed; indexing is
// best effort and a single miss must not abort a batch. A vector whose
// dimension disagrees with the pinned one is an error: mixed models
// would make every distance meaningless.
func (e *Engine) Insert(ctx context.Context, content, source, sourceType string, metadata map[string]any) (int64, error) {
	vec, err := e.embedder.Embed(ctx, content)
	if err != nil || len(vec) == 0 {
		e.log.Warn("embedding failed, document not indexed",
			zap.String("source", source), zap.Error(err))
		return 0, nil
	}

	e.mu.Lock()
	if e.dimension == 0 {
		e.dimension = len(vec)
	} else if len(vec) != e.dimension {
		e.mu.Unlock()
		return 0, fmt.Errorf("embedding dimension %d does not match pinned %d", len(vec), e.dimension)
	}
	e.mu.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`INSERT INTO rag_documents (source, source_type, content, metadata_json, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		source, sourceType, content, encodeMetadata(metadata), storage.NowMS(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("document id: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO rag_vectors (document_id, vector_json, norm) VALUES (?, ?, ?)`,
		docID, encodeVector(vec), vectorNorm(vec),
	); err != nil {
		return 0, fmt.Errorf("insert vector: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return docID, nil
}

// Retrieve returns the topK documents closest to the query by cosine
// distance, ascending. sourceType empty searches everything. An
// embedding failure yields no results, not an error.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, sourceType string) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil || len(qvec) == 0 {
		e.log.Warn("query embedding failed", zap.Error(err))
		return nil, nil
	}
	qnorm := vectorNorm(qvec)
	if qnorm == 0 {
		return nil, nil
	}

	sqlQuery := `SELECT d.id, d.source, d.source_type, d.content, d.metadata_json, v.vector_json, v.norm
		FROM rag_documents d JOIN rag_vectors v ON v.document_id = d.id`
	var args []any
	if sourceType != "" {
		sqlQuery += ` WHERE d.source_type = ?`
		args = append(args, sourceType)
	}
	rows, err := e.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r            Result
			metadataJSON string
			vecJSON      string
			norm         float64
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.SourceType, &r.Content, &metadataJSON, &vecJSON, &norm); err != nil {
			return nil, err
		}
		vec := decodeVector(vecJSON)
		if len(vec) != len(qvec) || norm == 0 {
			continue
		}
		r.Distance = 1 - dotProduct(qvec, vec)/(qnorm*norm)
		r.Metadata = decodeMetadata(metadataJSON)
		r.Metadata["source"] = r.Source
		r.Metadata["source_type"] = r.SourceType
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Clear removes every document of one source type together with its
// vector in a single transaction, so a reindex never leaves orphans.
func (e *Engine) Clear(sourceType string) (int, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin clear: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM rag_vectors WHERE document_id IN
		 (SELECT id FROM rag_documents WHERE source_type = ?)`, sourceType,
	); err != nil {
		return 0, fmt.Errorf("clear vectors: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM rag_documents WHERE source_type = ?`, sourceType)
	if err != nil {
		return 0, fmt.Errorf("clear documents: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.log.Debug("cleared documents", zap.String("source_type", sourceType), zap.Int64("count", n))
	}
	return int(n), nil
}

// Count returns the number of stored documents, optionally filtered by
// source type.
func (e *Engine) Count(sourceType string) (int, error) {
	var (
		n   int
		err error
	)
	if sourceType == "" {
		err = e.db.QueryRow(`SELECT COUNT(1) FROM rag_documents`).Scan(&n)
	} else {
		err = e.db.QueryRow(`SELECT COUNT(1) FROM rag_documents WHERE source_type = ?`, sourceType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Dimension reports the pinned embedding dimension, 0 if nothing was
// embedded yet.
func (e *Engine) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

func encodeVector(vec []float32) string {
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(s string) []float32 {
	var vec []float32
	if err := json.Unmarshal([]byte(s), &vec); err != nil {
		return nil
	}
	return vec
}

func encodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(s string) map[string]any {
	m := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
