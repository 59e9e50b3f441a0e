package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraph/internal/types"
)

func TestSchemaRoundTripIsByteExact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := []byte("kb_id: docs\n# trailing comment preserved\nnodes:\n  - label: Document\n    key: id\n")
	require.NoError(t, s.SaveSchema(ctx, "docs", raw))

	got, err := s.GetSchemaRaw(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	// Re-registering replaces the stored descriptor.
	updated := []byte("kb_id: docs\nnodes:\n  - label: Document\n    key: id\n  - label: Person\n    key: email\n")
	require.NoError(t, s.SaveSchema(ctx, "docs", updated))
	got, err = s.GetSchemaRaw(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestGetSchemaRawUnknownKB(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSchemaRaw(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrKBNotFound))
}

func TestListSchemas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSchema(ctx, "docs", []byte("kb_id: docs\n")))
	require.NoError(t, s.SaveSchema(ctx, "retail", []byte("kb_id: retail\n")))

	all, err := s.ListSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []byte("kb_id: docs\n"), all["docs"])
	assert.Equal(t, []byte("kb_id: retail\n"), all["retail"])
}
