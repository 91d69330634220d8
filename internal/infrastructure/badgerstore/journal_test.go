package badgerstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/infrastructure/memory"
)

func addCategory(t *testing.T, st *memory.Store, n int) {
	t.Helper()
	err := st.WithinTx(context.Background(), func(ctx context.Context, repos store.Repositories) error {
		return repos.Categories().Create(ctx, &category.Category{ID: fmt.Sprintf("C%02d", n), Name: fmt.Sprintf("cat %d", n)})
	})
	require.NoError(t, err)
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	st := memory.New(memory.WithJournal(j))
	addCategory(t, st, 1)
	addCategory(t, st, 2)
	require.NoError(t, j.Checkpoint(st))
	addCategory(t, st, 3)
	assert.Equal(t, uint64(3), j.Seq())
	want, err := st.Marshal()
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(3), j.Seq())

	restored := memory.New(memory.WithJournal(j))
	require.NoError(t, j.Replay(restored))
	got, err := restored.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	addCategory(t, restored, 4)
	assert.Equal(t, uint64(4), j.Seq())
	assert.Equal(t, 4, restored.Stats()[memory.CollectionCategories])
}

func TestReplayEmptyJournal(t *testing.T) {
	j, err := Open("", zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()

	st := memory.New()
	require.NoError(t, j.Replay(st))
	assert.Equal(t, 0, st.Stats()[memory.CollectionCategories])
}
