package service

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/moodle-backup/exportd/internal/artifact"
)

func TestRetention_Keep(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		fs := memfs.New()
		store := artifact.NewStore(fs)
		r := NewRetention(store, time.Hour)
		defer r.Close()

		// deleted before the job looked: nothing is kept, nothing is armed
		kept, err := r.Keep(t.Context(), testFP)
		require.NoError(t, err)
		require.False(t, kept)
		require.False(t, r.Pending(testFP))

		require.NoError(t, util.WriteFile(fs, testFP+"/bundled.zip", []byte("PK"), 0o644))
		kept, err = r.Keep(t.Context(), testFP)
		require.NoError(t, err)
		require.True(t, kept)
		require.True(t, r.Pending(testFP))

		// a pending removal keeps its deadline
		time.Sleep(40 * time.Minute)
		kept, err = r.Keep(t.Context(), testFP)
		require.NoError(t, err)
		require.True(t, kept)
		time.Sleep(20*time.Minute + time.Second)
		synctest.Wait()
		require.False(t, r.Pending(testFP))
		exists, err := store.BundleExists(testFP)
		require.NoError(t, err)
		require.False(t, exists)

		require.NoError(t, util.WriteFile(fs, testFP+"/bundled.zip", []byte("PK"), 0o644))
		kept, err = r.Keep(t.Context(), testFP)
		require.NoError(t, err)
		require.True(t, kept)
		removed, err := r.Delete(testFP)
		require.NoError(t, err)
		require.True(t, removed)
		require.False(t, r.Pending(testFP))

		kept, err = r.Keep(t.Context(), testFP)
		require.NoError(t, err)
		require.False(t, kept)
		require.False(t, r.Pending(testFP))
	})
}
