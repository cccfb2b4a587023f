package importer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediavault/telegram-media-archiver/archive"
	"github.com/mediavault/telegram-media-archiver/common"
	"github.com/mediavault/telegram-media-archiver/manifest"
	"github.com/mediavault/telegram-media-archiver/model"
	"github.com/mediavault/telegram-media-archiver/transport"
)

// fakeClient serves a fixed ascending message history.
type fakeClient struct {
	chat         transport.ChatInfo
	messages     []*model.Message
	fetchCalls   int
	fetchByID    [][]int64
	transferred  []int32
	failTransfer bool
}

func (f *fakeClient) GetChat(_ context.Context, chatID int64) (*transport.ChatInfo, error) {
	if chatID != f.chat.ID {
		return nil, fmt.Errorf("chat %d not found", chatID)
	}
	return &f.chat, nil
}

func (f *fakeClient) FetchMessages(_ context.Context, _ int64, afterID int64, limit int) ([]*model.Message, error) {
	f.fetchCalls++
	var out []*model.Message
	for _, m := range f.messages {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeClient) FetchMessagesByID(_ context.Context, _ int64, ids []int64) ([]*model.Message, error) {
	f.fetchByID = append(f.fetchByID, ids)
	var out []*model.Message
	for _, m := range f.messages {
		for _, id := range ids {
			if m.ID == id {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (f *fakeClient) RefetchMessage(_ context.Context, _ int64, messageID int64) (*model.Message, error) {
	for _, m := range f.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %d not found", messageID)
}

func (f *fakeClient) TransferAttachment(_ context.Context, att *model.Attachment, destPath string, _ transport.ProgressFunc) error {
	if f.failTransfer {
		return fmt.Errorf("MEDIA_UNAVAILABLE")
	}
	f.transferred = append(f.transferred, att.ID)
	return os.WriteFile(destPath, []byte(fmt.Sprintf("file-%d", att.ID)), 0o644)
}

func (f *fakeClient) Close() error { return nil }

func baseTestConfig(baseDir string, chatID int64) *common.ArchiverConfig {
	return &common.ArchiverConfig{
		APIID:            1,
		APIHash:          "h",
		BaseDir:          baseDir,
		HistoryDir:       "history",
		HistoryFormat:    "json",
		BatchSize:        2,
		Concurrency:      2,
		ValidateArchives: true,
		Chats:            []common.ChatState{{ID: chatID}},
	}
}

func textMsg(chatID, id int64, day int) *model.Message {
	return &model.Message{
		ID:     id,
		ChatID: chatID,
		Date:   time.Date(2024, 4, day, 12, 0, 0, 0, time.UTC),
		Text:   fmt.Sprintf("message %d", id),
	}
}

func newTestLoop(t *testing.T, client transport.Client, cfg *common.ArchiverConfig) (*Loop, *archive.Store, *common.ChatStateStore) {
	t.Helper()
	store, err := archive.NewStore(cfg.BaseDir, cfg.HistoryDir, cfg.HistoryFormat)
	require.NoError(t, err)
	states := common.NewChatStateStore(nil, cfg.Chats)
	return NewLoop(client, store, states, cfg), store, states
}

func TestRunEndToEnd(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	client.messages = []*model.Message{
		textMsg(chatID, 1, 1),
		textMsg(chatID, 2, 2),
		{
			ID:     3,
			ChatID: chatID,
			Date:   time.Date(2024, 4, 3, 12, 0, 0, 0, time.UTC),
			Media:  &model.Attachment{Type: model.MediaDocument, ID: 77, FileName: "doc.txt", MimeType: "text/plain", Size: 7},
		},
	}

	cfg := baseTestConfig(t.TempDir(), chatID)
	loop, store, states := newTestLoop(t, client, cfg)

	report, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Chats, 1)

	summary := report.Chats[0]
	assert.Equal(t, "Test Chat", summary.Title)
	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 3, summary.Archived)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, int64(3), summary.Cursor)

	records, err := store.ReadRecords(chatID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.NotEmpty(t, records[2].DownloadedFile)
	assert.FileExists(t, records[2].DownloadedFile)

	st, ok := states.Get(chatID)
	require.True(t, ok)
	assert.Equal(t, int64(3), st.LastMessageID)
	assert.Equal(t, "Test Chat", st.Title)

	idx := manifest.Load(store.HistoryPath())
	entry, ok := idx.Lookup(chatID)
	require.True(t, ok)
	assert.Equal(t, 3, entry.MessageCount)
	assert.Equal(t, "Test Chat", entry.Title)
}

func TestRunSkipsDisabledChats(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	client.messages = []*model.Message{textMsg(chatID, 1, 1)}

	cfg := baseTestConfig(t.TempDir(), chatID)
	off := false
	cfg.Chats[0].Enabled = &off
	loop, store, _ := newTestLoop(t, client, cfg)

	report, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Chats)

	_, found := store.FindExisting(chatID)
	assert.False(t, found, "a disabled chat is not imported")
}

func TestRunPicksUpStrayArchives(t *testing.T) {
	chatID := int64(-200)
	strayID := int64(-300)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	client.messages = []*model.Message{textMsg(chatID, 1, 1)}

	cfg := baseTestConfig(t.TempDir(), chatID)
	loop, store, _ := newTestLoop(t, client, cfg)

	// An archive left behind by an earlier configuration; its chat is
	// not part of this run.
	_, err := store.SaveBatch([]*model.Message{textMsg(strayID, 5, 5)}, strayID, "Old Chat", nil)
	require.NoError(t, err)

	_, err = loop.Run(context.Background())
	require.NoError(t, err)

	idx := manifest.Load(store.HistoryPath())
	entry, ok := idx.Lookup(strayID)
	require.True(t, ok, "on-disk archives outside the run belong in the manifest")
	assert.Equal(t, "Old Chat", entry.Title)
	assert.Equal(t, 1, entry.MessageCount)
}

func TestResumeFromCursor(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	client.messages = []*model.Message{
		textMsg(chatID, 1, 1),
		textMsg(chatID, 2, 2),
		textMsg(chatID, 3, 3),
	}

	cfg := baseTestConfig(t.TempDir(), chatID)
	cfg.Chats[0].LastMessageID = 2
	loop, store, _ := newTestLoop(t, client, cfg)

	// The cursor is only honored when the archive it points into is valid.
	_, err := store.SaveBatch(client.messages[:2], chatID, "Test Chat", nil)
	require.NoError(t, err)

	summary, err := loop.ImportChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetched, "only messages past the cursor are fetched")

	records, err := store.ReadRecords(chatID)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestMissingArchiveResetsCursor(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	client.messages = []*model.Message{textMsg(chatID, 1, 1), textMsg(chatID, 2, 2)}

	cfg := baseTestConfig(t.TempDir(), chatID)
	cfg.Chats[0].LastMessageID = 99
	loop, store, states := newTestLoop(t, client, cfg)

	summary, err := loop.ImportChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Fetched, "missing archive forces a full re-import")

	records, err := store.ReadRecords(chatID)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	st, _ := states.Get(chatID)
	assert.Equal(t, int64(2), st.LastMessageID)
}

func TestRetryIDsProcessedFirst(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	client.messages = []*model.Message{
		{
			ID:     1,
			ChatID: chatID,
			Date:   time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC),
			Media:  &model.Attachment{Type: model.MediaDocument, ID: 11, FileName: "retry.txt", MimeType: "text/plain", Size: 7},
		},
		textMsg(chatID, 2, 2),
	}

	cfg := baseTestConfig(t.TempDir(), chatID)
	cfg.Chats[0].LastMessageID = 1
	cfg.Chats[0].IDsToRetry = []int64{1}
	loop, store, states := newTestLoop(t, client, cfg)

	_, err := store.SaveBatch(client.messages[:1], chatID, "Test Chat", nil)
	require.NoError(t, err)

	summary, err := loop.ImportChat(context.Background(), chatID)
	require.NoError(t, err)

	require.Len(t, client.fetchByID, 1)
	assert.Equal(t, []int64{1}, client.fetchByID[0])
	assert.Contains(t, client.transferred, int32(11))
	assert.Equal(t, 1, summary.Downloaded)

	st, _ := states.Get(chatID)
	assert.Empty(t, st.IDsToRetry, "successful retry clears the pending list")
}

func TestFailedDownloadsRecordedForRetry(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}, failTransfer: true}
	client.messages = []*model.Message{
		{
			ID:     4,
			ChatID: chatID,
			Date:   time.Date(2024, 4, 4, 12, 0, 0, 0, time.UTC),
			Media:  &model.Attachment{Type: model.MediaDocument, ID: 40, FileName: "gone.txt", MimeType: "text/plain", Size: 4},
		},
	}

	cfg := baseTestConfig(t.TempDir(), chatID)
	loop, store, states := newTestLoop(t, client, cfg)

	summary, err := loop.ImportChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	st, _ := states.Get(chatID)
	assert.Equal(t, []int64{4}, st.IDsToRetry)

	// The message is archived even though its download failed.
	records, rerr := store.ReadRecords(chatID)
	require.NoError(t, rerr)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].DownloadedFile)
}

func TestDateWindow(t *testing.T) {
	chatID := int64(-200)

	t.Run("NewerThanEndIsSkippedNotABreak", func(t *testing.T) {
		client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
		client.messages = []*model.Message{
			textMsg(chatID, 1, 10),
			textMsg(chatID, 2, 20),
			textMsg(chatID, 3, 12),
		}

		cfg := baseTestConfig(t.TempDir(), chatID)
		cfg.Filters.StartDate = "2024-04-05"
		cfg.Filters.EndDate = "2024-04-15"
		loop, store, states := newTestLoop(t, client, cfg)

		_, err := loop.ImportChat(context.Background(), chatID)
		require.NoError(t, err)

		// The out-of-window message in the middle is dropped, but
		// pagination continues and picks up the in-window message
		// behind it.
		records, err := store.ReadRecords(chatID)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, int64(1), records[0].ID)
		assert.Equal(t, int64(3), records[1].ID)

		st, _ := states.Get(chatID)
		assert.Equal(t, int64(3), st.LastMessageID, "skipped messages still advance the cursor")
	})

	t.Run("OlderThanStartStopsPagination", func(t *testing.T) {
		client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
		client.messages = []*model.Message{
			textMsg(chatID, 1, 10),
			textMsg(chatID, 2, 2),
			textMsg(chatID, 3, 12),
		}

		cfg := baseTestConfig(t.TempDir(), chatID)
		cfg.Filters.StartDate = "2024-04-05"
		loop, store, states := newTestLoop(t, client, cfg)

		_, err := loop.ImportChat(context.Background(), chatID)
		require.NoError(t, err)

		records, err := store.ReadRecords(chatID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, int64(1), records[0].ID)

		st, _ := states.Get(chatID)
		assert.Equal(t, int64(1), st.LastMessageID, "pagination stops at the first pre-window message")
	})
}

func TestMaxMessagesCap(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	for i := int64(1); i <= 6; i++ {
		client.messages = append(client.messages, &model.Message{
			ID:     i,
			ChatID: chatID,
			Date:   time.Date(2024, 4, int(i), 12, 0, 0, 0, time.UTC),
			Media:  &model.Attachment{Type: model.MediaDocument, ID: int32(i), FileName: fmt.Sprintf("d%d.txt", i), MimeType: "text/plain", Size: 6},
		})
	}

	cfg := baseTestConfig(t.TempDir(), chatID)
	cfg.MaxMessages = 3
	loop, store, _ := newTestLoop(t, client, cfg)

	// Batches of 2; the cap is checked between pages, so the chat stops
	// after the first page that takes the download count to 3 or more.
	summary, err := loop.ImportChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Downloaded)
	assert.Equal(t, 4, summary.Fetched)

	records, err := store.ReadRecords(chatID)
	require.NoError(t, err)
	assert.Len(t, records, 4)

	t.Run("TextOnlyChatIsNotCapped", func(t *testing.T) {
		textClient := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
		for i := int64(1); i <= 6; i++ {
			textClient.messages = append(textClient.messages, textMsg(chatID, i, int(i)))
		}
		cfg := baseTestConfig(t.TempDir(), chatID)
		cfg.MaxMessages = 3
		loop, store, _ := newTestLoop(t, textClient, cfg)

		summary, err := loop.ImportChat(context.Background(), chatID)
		require.NoError(t, err)
		assert.Equal(t, 6, summary.Fetched)

		records, err := store.ReadRecords(chatID)
		require.NoError(t, err)
		assert.Len(t, records, 6, "the cap counts downloads, not archived messages")
	})
}

func TestRerunIsIdempotent(t *testing.T) {
	chatID := int64(-200)
	client := &fakeClient{chat: transport.ChatInfo{ID: chatID, Title: "Test Chat"}}
	client.messages = []*model.Message{textMsg(chatID, 1, 1), textMsg(chatID, 2, 2)}

	cfg := baseTestConfig(t.TempDir(), chatID)
	loop, store, _ := newTestLoop(t, client, cfg)

	_, err := loop.ImportChat(context.Background(), chatID)
	require.NoError(t, err)
	summary, err := loop.ImportChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Fetched)

	records, err := store.ReadRecords(chatID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
