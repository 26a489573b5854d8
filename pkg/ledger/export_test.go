package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/archive"
)

func seededStream(t *testing.T) *MemoryStream {
	t.Helper()
	s := NewMemoryStream(TierSupervisory)
	ctx := context.Background()
	for _, in := range []Entry{
		woEntry(EventWorkOrderCreated, "s1", "WO-s1-0001"),
		woEntry(EventWorkOrderCreated, "s2", "WO-s2-0001"),
		woEntry(EventWorkOrderDispatched, "s1", "WO-s1-0001"),
		woEntry(EventQualityGate, "s1", "WO-s1-0001"),
	} {
		_, err := s.Append(ctx, in)
		require.NoError(t, err)
	}
	return s
}

func TestExportBundle_FullStreamVerifies(t *testing.T) {
	s := seededStream(t)
	b, err := ExportBundle(context.Background(), s, Filter{})
	require.NoError(t, err)

	assert.Equal(t, 4, b.EntryCount)
	assert.Equal(t, uint64(1), b.StartSeq)
	assert.Equal(t, uint64(4), b.EndSeq)
	_, head, _ := s.Head(context.Background())
	assert.Equal(t, head, b.ChainHead)
	require.NoError(t, VerifyBundle(b))
}

func TestExportBundle_FilteredSliceVerifies(t *testing.T) {
	b, err := ExportBundle(context.Background(), seededStream(t), Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, b.EntryCount)
	require.NoError(t, VerifyBundle(b))
}

func TestExportBundle_NoMatch(t *testing.T) {
	_, err := ExportBundle(context.Background(), seededStream(t), Filter{SessionID: "nobody"})
	assert.Error(t, err)
}

func TestVerifyBundle_DetectsTampering(t *testing.T) {
	b, err := ExportBundle(context.Background(), seededStream(t), Filter{})
	require.NoError(t, err)

	b.Entries[2].Metadata[MetaAgentID] = "intruder"
	assert.ErrorIs(t, VerifyBundle(b), ErrBundleInvalid)
}

func TestVerifyBundle_DetectsReorder(t *testing.T) {
	b, err := ExportBundle(context.Background(), seededStream(t), Filter{})
	require.NoError(t, err)

	b.Entries[1], b.Entries[2] = b.Entries[2], b.Entries[1]
	assert.ErrorIs(t, VerifyBundle(b), ErrBundleInvalid)
}

func TestArchive_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)

	b, err := ExportBundle(ctx, seededStream(t), Filter{})
	require.NoError(t, err)

	hash, err := Archive(ctx, b, store)
	require.NoError(t, err)

	again, err := Archive(ctx, b, store)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	loaded, err := LoadBundle(ctx, store, hash)
	require.NoError(t, err)
	assert.Equal(t, b.BundleHash, loaded.BundleHash)
	assert.Equal(t, b.ChainHead, loaded.ChainHead)
}
