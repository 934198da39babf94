package outbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/davidassist/gatesync/internal/logging"
	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/queue"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOutbox(t *testing.T) (*Watcher, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	qm := queue.New(st, queue.DefaultConfig(), logging.Discard())
	return NewWatcher(dir, st, qm, logging.Discard()), st, dir
}

func TestEnqueueFile_QueuesUploadAtAttachmentPriority(t *testing.T) {
	w, st, dir := newTestOutbox(t)

	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("image bytes"), 0o644))

	w.enqueueFile(path)

	ops, err := st.ListPendingOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpUpload, ops[0].OpType)
	assert.Equal(t, model.PriorityAttachment, ops[0].Priority)
	assert.Equal(t, "photo.jpg", ops[0].EntityID)
	assert.Equal(t, "photo.jpg", ops[0].Payload["path"])
	assert.NotEmpty(t, ops[0].Payload["sha256"])
}

func TestEnqueueFile_DeduplicatesByContentHash(t *testing.T) {
	w, st, dir := newTestOutbox(t)

	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("image bytes"), 0o644))

	w.enqueueFile(path)
	w.enqueueFile(path)

	ops, err := st.ListPendingOps()
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	// Changed content is a new upload.
	require.NoError(t, os.WriteFile(path, []byte("different bytes"), 0o644))
	w.enqueueFile(path)

	ops, err = st.ListPendingOps()
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestRescan_PicksUpExistingFiles(t *testing.T) {
	w, st, dir := newTestOutbox(t)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "site-a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site-a", "one.jpg"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.jpg"), []byte("two"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.tmp"), []byte("skip"), 0o644))

	require.NoError(t, w.rescan())

	ops, err := st.ListPendingOps()
	require.NoError(t, err)
	require.Len(t, ops, 2)

	paths := []string{ops[0].EntityID, ops[1].EntityID}
	assert.Contains(t, paths, "site-a/one.jpg")
	assert.Contains(t, paths, "two.jpg")
}

func TestShouldIgnore(t *testing.T) {
	w, _, _ := newTestOutbox(t)

	assert.True(t, w.shouldIgnore("/outbox/.DS_Store"))
	assert.True(t, w.shouldIgnore("/outbox/report.swp"))
	assert.True(t, w.shouldIgnore("/outbox/photo.jpg.part"))
	assert.True(t, w.shouldIgnore("/outbox/photo.tmp"))
	assert.True(t, w.shouldIgnore("/outbox/draft~"))
	assert.False(t, w.shouldIgnore("/outbox/photo.jpg"))
}
