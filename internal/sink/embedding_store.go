package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/model"
)

// embedding's primary key is (work_order_id, model_version) per
// internal/migrations/sql/00004_embedding.sql: a work order can carry
// more than one embedding across model versions.
const (
	nativeEmbeddingPutSQL = `
		INSERT INTO embedding (work_order_id, model_version, source_text, vector, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (work_order_id, model_version) DO UPDATE SET
			source_text = EXCLUDED.source_text, vector = EXCLUDED.vector, created_at = now()`
	nativeEmbeddingGetSQL = `
		SELECT work_order_id, model_version, source_text, vector::text, created_at FROM embedding
		WHERE work_order_id = $1 AND model_version = $2`
	nativeEmbeddingANNSearchSQL = `
		SELECT work_order_id FROM embedding ORDER BY vector <=> $1 LIMIT $2`

	byteEmbeddingPutSQL = `
		INSERT INTO embedding (work_order_id, model_version, source_text, vector, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (work_order_id, model_version) DO UPDATE SET
			source_text = EXCLUDED.source_text, vector = EXCLUDED.vector, created_at = now()`
	byteEmbeddingGetSQL = `
		SELECT work_order_id, model_version, source_text, vector, created_at FROM embedding
		WHERE work_order_id = $1 AND model_version = $2`
	byteEmbeddingANNScanSQL = `SELECT work_order_id, vector FROM embedding`
)

// nativeVectorStore writes the embedding column as a pgvector VECTOR(D)
// type and ranks ANNSearch by pgvector's cosine distance operator,
// matching the ivfflat vector_cosine_ops index from 00004_embedding.sql.
type nativeVectorStore struct {
	pool *pgxpool.Pool
}

func (s *nativeVectorStore) Put(ctx context.Context, e model.Embedding) error {
	_, err := s.pool.Exec(ctx, nativeEmbeddingPutSQL,
		e.WorkOrderID, e.ModelVersion, e.SourceText, vectorLiteral(e.Vector))
	if err != nil {
		return werrors.NewTransientError("Cannot write embedding", "", "", err)
	}
	return nil
}

func (s *nativeVectorStore) Get(ctx context.Context, workOrderID, modelVersion string) (model.Embedding, bool, error) {
	var e model.Embedding
	var vecStr string
	err := s.pool.QueryRow(ctx, nativeEmbeddingGetSQL,
		workOrderID, modelVersion).Scan(&e.WorkOrderID, &e.ModelVersion, &e.SourceText, &vecStr, &e.CreatedAt)
	if err != nil {
		return model.Embedding{}, false, nil
	}
	e.Vector = parseVectorLiteral(vecStr)
	return e, true, nil
}

func (s *nativeVectorStore) ANNSearch(ctx context.Context, query []float32, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx, nativeEmbeddingANNSearchSQL, vectorLiteral(query), k)
	if err != nil {
		return nil, werrors.NewTransientError("ANN search failed", "", "", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseVectorLiteral(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		var f float64
		fmt.Sscanf(p, "%g", &f)
		out[i] = float32(f)
	}
	return out
}

// byteVectorStore is the fallback when the sink has no vector
// extension: the vector is serialized to a fixed-length byte sequence
// (spec.md §3, §4.3). ANNSearch degrades to a full scan with an
// in-process cosine-distance comparison, since there is no index to
// exploit without the native type.
type byteVectorStore struct {
	pool *pgxpool.Pool
}

func (s *byteVectorStore) Put(ctx context.Context, e model.Embedding) error {
	_, err := s.pool.Exec(ctx, byteEmbeddingPutSQL,
		e.WorkOrderID, e.ModelVersion, e.SourceText, encodeFloat32s(e.Vector))
	if err != nil {
		return werrors.NewTransientError("Cannot write embedding", "", "", err)
	}
	return nil
}

func (s *byteVectorStore) Get(ctx context.Context, workOrderID, modelVersion string) (model.Embedding, bool, error) {
	var e model.Embedding
	var raw []byte
	err := s.pool.QueryRow(ctx, byteEmbeddingGetSQL,
		workOrderID, modelVersion).Scan(&e.WorkOrderID, &e.ModelVersion, &e.SourceText, &raw, &e.CreatedAt)
	if err != nil {
		return model.Embedding{}, false, nil
	}
	e.Vector = decodeFloat32s(raw)
	return e, true, nil
}

func (s *byteVectorStore) ANNSearch(ctx context.Context, query []float32, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx, byteEmbeddingANNScanSQL)
	if err != nil {
		return nil, werrors.NewTransientError("ANN scan failed", "", "", err)
	}
	defer rows.Close()

	type scored struct {
		id   string
		dist float64
	}
	var all []scored
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		all = append(all, scored{id: id, dist: cosineDistance(query, decodeFloat32s(raw))})
	}
	// simple selection of the k smallest distances; k is small relative
	// to table size in practice (diagnostic search, not the hot path).
	for i := 0; i < len(all) && i < k; i++ {
		min := i
		for j := i + 1; j < len(all); j++ {
			if all[j].dist < all[min].dist {
				min = j
			}
		}
		all[i], all[min] = all[min], all[i]
	}
	if len(all) > k {
		all = all[:k]
	}
	out := make([]string, len(all))
	for i, sc := range all {
		out[i] = sc.id
	}
	return out, nil
}

func encodeFloat32s(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return out
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
