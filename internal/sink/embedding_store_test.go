package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// These pin the embedding table's SQL against its actual schema
// (internal/migrations/sql/00004_embedding.sql): work_order_id and
// model_version form the composite primary key, not a standalone
// notification_id column.
func TestNativeEmbeddingSQLMatchesSchema(t *testing.T) {
	assert.Contains(t, nativeEmbeddingPutSQL, "work_order_id")
	assert.Contains(t, nativeEmbeddingPutSQL, "model_version")
	assert.Contains(t, nativeEmbeddingPutSQL, "ON CONFLICT (work_order_id, model_version)")
	assert.NotContains(t, nativeEmbeddingPutSQL, "notification_id")

	assert.Contains(t, nativeEmbeddingGetSQL, "work_order_id = $1 AND model_version = $2")
	assert.NotContains(t, nativeEmbeddingGetSQL, "notification_id")

	assert.Contains(t, nativeEmbeddingANNSearchSQL, "work_order_id")
	assert.NotContains(t, nativeEmbeddingANNSearchSQL, "notification_id")
}

func TestByteEmbeddingSQLMatchesSchema(t *testing.T) {
	assert.Contains(t, byteEmbeddingPutSQL, "work_order_id")
	assert.Contains(t, byteEmbeddingPutSQL, "model_version")
	assert.Contains(t, byteEmbeddingPutSQL, "ON CONFLICT (work_order_id, model_version)")
	assert.NotContains(t, byteEmbeddingPutSQL, "notification_id")

	assert.Contains(t, byteEmbeddingGetSQL, "work_order_id = $1 AND model_version = $2")
	assert.NotContains(t, byteEmbeddingGetSQL, "notification_id")

	assert.Equal(t, "SELECT work_order_id, vector FROM embedding", byteEmbeddingANNScanSQL)
}
