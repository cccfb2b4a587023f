package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mediavault/telegram-media-archiver/archive"
	"github.com/mediavault/telegram-media-archiver/htmlview"
	"github.com/mediavault/telegram-media-archiver/manifest"
)

// WriteChatPage regenerates one conversation's HTML page from its archive
// records.
func WriteChatPage(store *archive.Store, chatID int64, title string) error {
	records, err := store.ReadRecords(chatID)
	if err != nil {
		return fmt.Errorf("failed to read archive for chat %d: %w", chatID, err)
	}
	if title == "" {
		title = fmt.Sprintf("Chat %d", chatID)
	}
	page := htmlview.BuildChatPage(chatID, title, records, store.HistoryPath())
	path := filepath.Join(store.HistoryPath(), htmlview.PageName(chatID))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chat page: %w", err)
	}
	defer f.Close()
	return htmlview.RenderChat(f, page)
}

// WriteIndexPage regenerates index.html from the manifest.
func WriteIndexPage(store *archive.Store, idx manifest.Index) error {
	var chats []htmlview.ChatSummary
	for key, entry := range idx {
		chatID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		summary := htmlview.ChatSummary{
			ChatID:   chatID,
			Title:    entry.Title,
			Count:    entry.MessageCount,
			PageName: htmlview.PageName(chatID),
		}
		if entry.LastMessageDate != nil {
			summary.LastDate = *entry.LastMessageDate
		}
		chats = append(chats, summary)
	}
	page := htmlview.BuildIndexPage(chats)
	path := filepath.Join(store.HistoryPath(), "index.html")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create index page: %w", err)
	}
	defer f.Close()
	return htmlview.RenderIndex(f, page)
}
