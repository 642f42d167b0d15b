package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestRegisterDestination_Defaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{
		ID: 100, Title: "outlet", HighOffset: 200, LowOffset: 15,
	}))

	d, err := s.Destination(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "outlet", d.Title)
	assert.Equal(t, float64(200), d.HighOffset)
	assert.Equal(t, float64(15), d.LowOffset)
}

func TestRegisterDestination_ReRegisterKeepsOffsets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 100, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.SetHighOffset(ctx, 100, 300))

	// Registering again must not clobber the tuned offset.
	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 100, HighOffset: 200, LowOffset: 15}))

	d, err := s.Destination(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, float64(300), d.HighOffset)
}

func TestSetOffsets_UnknownDestination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SetHighOffset(ctx, 999, 100)
	assert.ErrorIs(t, err, ErrDestinationNotFound)

	err = s.SetLowOffset(ctx, 999, 5)
	assert.ErrorIs(t, err, ErrDestinationNotFound)
}

func TestDestinations_StableOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{300, 100, 200} {
		require.NoError(t, s.RegisterDestination(ctx, Destination{ID: id, HighOffset: 200, LowOffset: 15}))
	}

	ds, err := s.Destinations(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 3)
	assert.Equal(t, int64(100), ds[0].ID)
	assert.Equal(t, int64(200), ds[1].ID)
	assert.Equal(t, int64(300), ds[2].ID)
}

func TestRemoveDestination_CascadesCaptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RecordCaption(ctx, 1, "blue hoodie 30/ea", []int{10, 11}))

	require.NoError(t, s.RemoveDestination(ctx, 1))

	n, err := s.CaptionCount(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormalizeCaption(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Blue Hoodie  30/ea!!", "blue hoodie 30/ea"},
		{"  SOLD\tOUT  ", "sold out"},
		{"ﬁne print…", "fine print"}, // NFKC expands the ligature
		{"trailing dots...", "trailing dots"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCaption(tt.in), "input %q", tt.in)
	}
}

func TestRecordCaption_AndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RecordCaption(ctx, 1, "Blue Hoodie $1175/P for 20", []int{41, 42, 43}))

	rec, err := s.FindLatestMatching(ctx, 1, "blue hoodie", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []int{41, 42, 43}, rec.ItemIDs)
	assert.Equal(t, "Blue Hoodie $1175/P for 20", rec.Caption)
}

func TestFindLatestMatching_NewestWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RecordCaption(ctx, 1, "blue hoodie batch one", []int{1}))
	require.NoError(t, s.RecordCaption(ctx, 1, "blue hoodie batch two", []int{2}))

	rec, err := s.FindLatestMatching(ctx, 1, "Blue Hoodie", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []int{2}, rec.ItemIDs)
}

func TestFindLatestMatching_StrictPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RecordCaption(ctx, 1, "spring batch blue hoodie", []int{1}))

	rec, err := s.FindLatestMatching(ctx, 1, "blue hoodie", true)
	require.NoError(t, err)
	assert.Nil(t, rec, "contains-match must not satisfy strict prefix mode")

	rec, err = s.FindLatestMatching(ctx, 1, "spring batch", true)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestFindLatestMatching_EmptyPhrase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RecordCaption(ctx, 1, "anything", []int{1}))

	rec, err := s.FindLatestMatching(ctx, 1, "  !!  ", false)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecordCaption_EvictsBeyondCap(t *testing.T) {
	s := openTestStore(t, WithCaptionCap(3))
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCaption(ctx, 1, "item", []int{i}))
	}

	n, err := s.CaptionCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The survivor set is the newest three.
	rec, err := s.FindLatestMatching(ctx, 1, "item", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []int{4}, rec.ItemIDs)
}

func TestRecordCaption_EvictionIsPerDestination(t *testing.T) {
	s := openTestStore(t, WithCaptionCap(2))
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 2, HighOffset: 200, LowOffset: 15}))

	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordCaption(ctx, 1, "a", []int{i}))
	}
	require.NoError(t, s.RecordCaption(ctx, 2, "b", []int{9}))

	n1, err := s.CaptionCount(ctx, 1)
	require.NoError(t, err)
	n2, err := s.CaptionCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n1)
	assert.Equal(t, 1, n2)
}

func TestRemoveCaptionRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RecordCaption(ctx, 1, "blue hoodie", []int{7}))

	rec, err := s.FindLatestMatching(ctx, 1, "blue hoodie", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	recID := rec.ID

	require.NoError(t, s.RemoveCaptionRecord(ctx, recID))

	rec, err = s.FindLatestMatching(ctx, 1, "blue hoodie", false)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Removing again is a no-op.
	assert.NoError(t, s.RemoveCaptionRecord(ctx, recID))
}

// Persistence across reopen: the index must survive restarts.
func TestCaptionIndex_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RegisterDestination(ctx, Destination{ID: 1, HighOffset: 200, LowOffset: 15}))
	require.NoError(t, s.RecordCaption(ctx, 1, "blue hoodie", []int{5, 6}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.FindLatestMatching(ctx, 1, "blue hoodie", false)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []int{5, 6}, rec.ItemIDs)
}
