package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediavault/telegram-media-archiver/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), "history", FormatJSON)
	require.NoError(t, err)
	return store
}

func testMessages(chatID int64, ids ...int64) []*model.Message {
	msgs := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, &model.Message{
			ID:     id,
			ChatID: chatID,
			Date:   time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC),
			Text:   "msg",
		})
	}
	return msgs
}

func TestSaveBatch(t *testing.T) {
	t.Run("WritesRecords", func(t *testing.T) {
		store := newTestStore(t)
		written, err := store.SaveBatch(testMessages(-42, 1, 2, 3), -42, "Friends", nil)
		require.NoError(t, err)
		assert.True(t, written)

		records, err := store.ReadRecords(-42)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, int64(-42), records[0].ChatID)
		require.NotNil(t, records[0].ChatTitle)
		assert.Equal(t, "Friends", *records[0].ChatTitle)
	})

	t.Run("PathUsesAbsoluteID", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.SaveBatch(testMessages(-42, 1), -42, "", nil)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(store.HistoryPath(), "chat_42.jsonl"))
	})

	t.Run("SkipsFullyDuplicateBatch", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.SaveBatch(testMessages(7, 1, 2), 7, "", nil)
		require.NoError(t, err)

		written, err := store.SaveBatch(testMessages(7, 1, 2), 7, "", nil)
		require.NoError(t, err)
		assert.False(t, written)

		records, err := store.ReadRecords(7)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("AppendsPartiallyNewBatch", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.SaveBatch(testMessages(7, 1, 2), 7, "", nil)
		require.NoError(t, err)

		written, err := store.SaveBatch(testMessages(7, 2, 3), 7, "", nil)
		require.NoError(t, err)
		assert.True(t, written)

		records, err := store.ReadRecords(7)
		require.NoError(t, err)
		// Replayed id 2 appears twice; the recount collapses per line, not
		// per id, which mirrors the append-only contract.
		assert.Len(t, records, 4)
	})

	t.Run("RecordsDownloadedFiles", func(t *testing.T) {
		store := newTestStore(t)
		msgs := testMessages(7, 5)
		msgs[0].Media = &model.Attachment{Type: model.MediaPhoto, ID: 1, Size: 100}
		_, err := store.SaveBatch(msgs, 7, "", map[int64]string{5: "/data/photo/p.jpg"})
		require.NoError(t, err)

		records, err := store.ReadRecords(7)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "/data/photo/p.jpg", records[0].DownloadedFile)
	})
}

func TestReadRecordsSkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SaveBatch(testMessages(9, 1), 9, "", nil)
	require.NoError(t, err)

	path := store.ArchivePath(9)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated\n\n{\"id\":2,\"date\":null,\"text\":\"ok\",\"sender_id\":0,\"chat_id\":9,\"chat_title\":null,\"has_media\":false,\"views\":null,\"forwards\":null,\"reply_to_msg_id\":null,\"edit_date\":null}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := store.ReadRecords(9)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLegacySignedIDFallback(t *testing.T) {
	store := newTestStore(t)
	legacy := filepath.Join(store.HistoryPath(), "chat_-55.jsonl")
	line := `{"id":1,"date":null,"text":"old","sender_id":0,"chat_id":-55,"chat_title":"Legacy","has_media":false,"views":null,"forwards":null,"reply_to_msg_id":null,"edit_date":null}` + "\n"
	require.NoError(t, os.WriteFile(legacy, []byte(line), 0o644))

	path, found := store.FindExisting(-55)
	assert.True(t, found)
	assert.Equal(t, legacy, path)

	records, err := store.ReadRecords(-55)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFindByNameAndSize(t *testing.T) {
	store := newTestStore(t)
	mediaDir := t.TempDir()
	onDisk := filepath.Join(mediaDir, "holiday.jpg")
	require.NoError(t, os.WriteFile(onDisk, []byte("jpegdata"), 0o644))

	msgs := testMessages(3, 1)
	msgs[0].Media = &model.Attachment{Type: model.MediaPhoto, ID: 1, FileName: "holiday.jpg", Size: 8}
	_, err := store.SaveBatch(msgs, 3, "", map[int64]string{1: onDisk})
	require.NoError(t, err)

	t.Run("Match", func(t *testing.T) {
		path, ok := store.FindByNameAndSize(3, "holiday.jpg", 8)
		assert.True(t, ok)
		assert.Equal(t, onDisk, path)
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		_, ok := store.FindByNameAndSize(3, "holiday.jpg", 999)
		assert.False(t, ok)
	})

	t.Run("NameMismatch", func(t *testing.T) {
		_, ok := store.FindByNameAndSize(3, "other.jpg", 8)
		assert.False(t, ok)
	})

	t.Run("FileGoneFromDisk", func(t *testing.T) {
		require.NoError(t, os.Remove(onDisk))
		_, ok := store.FindByNameAndSize(3, "holiday.jpg", 8)
		assert.False(t, ok)
	})
}

func TestChatMeta(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SaveBatch(testMessages(12, 1, 2, 3), 12, "Work", nil)
	require.NoError(t, err)

	title, count, last, ok := store.ChatMeta(12)
	require.True(t, ok)
	assert.Equal(t, "Work", title)
	assert.Equal(t, 3, count)
	assert.Equal(t, 2024, last.Year())
}

func TestListChatIDs(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SaveBatch(testMessages(-31, 1), -31, "", nil)
	require.NoError(t, err)
	_, err = store.SaveBatch(testMessages(44, 1), 44, "", nil)
	require.NoError(t, err)

	ids := store.ListChatIDs()
	assert.ElementsMatch(t, []int64{-31, 44}, ids)
}

func TestValidateArchiveFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("MissingFile", func(t *testing.T) {
		assert.False(t, ValidateArchiveFile(filepath.Join(dir, "nope.jsonl"), FormatJSON))
	})

	t.Run("EmptyFile", func(t *testing.T) {
		path := filepath.Join(dir, "empty.jsonl")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		assert.False(t, ValidateArchiveFile(path, FormatJSON))
	})

	t.Run("GarbageOnly", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("not json\nstill not\n"), 0o644))
		assert.False(t, ValidateArchiveFile(path, FormatJSON))
	})

	t.Run("ValidObjectWithinProbe", func(t *testing.T) {
		path := filepath.Join(dir, "mixed.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("junk\n{\"id\":1}\n"), 0o644))
		assert.True(t, ValidateArchiveFile(path, FormatJSON))
	})

	t.Run("ValidObjectBeyondProbe", func(t *testing.T) {
		path := filepath.Join(dir, "late.jsonl")
		content := "a\nb\nc\nd\ne\n{\"id\":1}\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		assert.False(t, ValidateArchiveFile(path, FormatJSON))
	})

	t.Run("NonEmptyTxt", func(t *testing.T) {
		path := filepath.Join(dir, "chat_1.txt")
		require.NoError(t, os.WriteFile(path, []byte("anything"), 0o644))
		assert.True(t, ValidateArchiveFile(path, FormatTXT))
	})
}
