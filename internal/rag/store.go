package rag

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Store keeps chunk embeddings in the twin_vectors table and answers
// brute-force cosine top-K queries scoped to one owner.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB. The twin_vectors table must
// already exist via migrations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ChunkID is the deterministic vector id for an owner's chunk, so
// re-indexing overwrites in place.
func ChunkID(ownerFid int64, number int) string {
	return fmt.Sprintf("chunk-%d-%d", ownerFid, number)
}

// Upsert writes chunks with their embeddings. vectors[i] belongs to
// chunks[i].
func (s *Store) Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO twin_vectors (id, owner_fid, chunk_number, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, c := range chunks {
		id := ChunkID(c.OwnerFid, c.Number)
		if _, err := stmt.ExecContext(ctx, id, c.OwnerFid, c.Number, c.Text, encodeFloat32s(vectors[i]), now); err != nil {
			return fmt.Errorf("upserting vector %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ScoredChunk is a search hit with its cosine similarity.
type ScoredChunk struct {
	ID    string
	Text  string
	Score float32
}

type idScore struct {
	id    string
	score float32
}

// Search returns the owner's topK chunks most similar to vector,
// ordered by score descending.
func (s *Store) Search(ctx context.Context, ownerFid int64, vector []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan id + embedding only, tracking top-K in a min-heap.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM twin_vectors WHERE owner_fid = ?`, ownerFid)
	if err != nil {
		return nil, fmt.Errorf("querying vectors for owner %d: %w", ownerFid, err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{id: id, score: score})
		} else if score > (*h)[0].score {
			(*h)[0] = idScore{id: id, score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vectors: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch chunk text only for the winners.
	ids := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		ids[i] = item.id
		scores[item.id] = item.score
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	textRows, err := s.db.QueryContext(ctx,
		`SELECT id, text FROM twin_vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer textRows.Close()

	results := make([]ScoredChunk, 0, len(ids))
	for textRows.Next() {
		var c ScoredChunk
		if err := textRows.Scan(&c.ID, &c.Text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Score = scores[c.ID]
		results = append(results, c)
	}
	if err := textRows.Err(); err != nil {
		return nil, err
	}

	// The IN query does not preserve order.
	sortByScore(results)
	return results, nil
}

// sortByScore sorts by Score descending. Fine for topK-sized slices.
func sortByScore(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// DeleteOwner removes all of an owner's vectors, returning the count.
func (s *Store) DeleteOwner(ctx context.Context, ownerFid int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM twin_vectors WHERE owner_fid = ?`, ownerFid)
	if err != nil {
		return 0, fmt.Errorf("deleting vectors for owner %d: %w", ownerFid, err)
	}
	return res.RowsAffected()
}

// Count returns the number of vectors stored for an owner.
func (s *Store) Count(ctx context.Context, ownerFid int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM twin_vectors WHERE owner_fid = ?`, ownerFid).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it
// to avoid per-row allocations during scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|) with aNorm precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap by score, used to track top-K candidates.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
