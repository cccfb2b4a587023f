// Package archive implements the append-only JSONL persistence layer: one
// log file per conversation, idempotent batch saves, duplicate lookup by
// name and size, and validity checking of existing archive files.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediavault/telegram-media-archiver/model"
)

// FormatJSON and friends are the supported history formats. FormatHTML
// buffers to the same JSONL files as FormatJSON; the HTML pages are
// rendered from them separately.
const (
	FormatJSON = "json"
	FormatTXT  = "txt"
	FormatHTML = "html"
)

// PathChatID returns the chat id used in archive file names. New files are
// always addressed by the absolute value; signed ids survive only as a
// legacy read fallback.
func PathChatID(chatID int64) int64 {
	if chatID < 0 {
		return -chatID
	}
	return chatID
}

// Store owns the history directory of one archive tree. It is safe for use
// by one conversation writer at a time; batch flushes within a conversation
// are sequential by construction.
type Store struct {
	historyPath string
	format      string
}

// NewStore creates the history directory if needed and returns a store
// writing in the given format.
func NewStore(baseDir, historyDir, format string) (*Store, error) {
	format = strings.ToLower(format)
	switch format {
	case FormatJSON, FormatTXT, FormatHTML, "jsonl":
		if format == "jsonl" {
			format = FormatJSON
		}
	default:
		return nil, fmt.Errorf("unknown history format: %q", format)
	}
	historyPath := filepath.Join(baseDir, historyDir)
	if err := os.MkdirAll(historyPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &Store{historyPath: historyPath, format: format}, nil
}

// HistoryPath returns the directory holding the archive files.
func (s *Store) HistoryPath() string { return s.historyPath }

// Format returns the configured history format.
func (s *Store) Format() string { return s.format }

// Ext returns the archive file extension for the configured format.
func (s *Store) Ext() string {
	if s.format == FormatTXT {
		return "txt"
	}
	return "jsonl"
}

// ArchivePath returns the canonical archive path for a chat
// (chat_{abs(id)}.{ext}).
func (s *Store) ArchivePath(chatID int64) string {
	return filepath.Join(s.historyPath, fmt.Sprintf("chat_%d.%s", PathChatID(chatID), s.Ext()))
}

// LookupPaths returns the candidate archive paths for a chat in priority
// order: the canonical abs-id path first, then the legacy signed-id path
// for archives written before the naming convention changed.
func (s *Store) LookupPaths(chatID int64) []string {
	paths := []string{s.ArchivePath(chatID)}
	if chatID < 0 {
		paths = append(paths, filepath.Join(s.historyPath, fmt.Sprintf("chat_%d.%s", chatID, s.Ext())))
	}
	return paths
}

// FindExisting returns the first of LookupPaths that exists on disk.
func (s *Store) FindExisting(chatID int64) (string, bool) {
	for _, p := range s.LookupPaths(chatID) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// SaveBatch appends one record per message to the conversation's archive.
// The write is idempotent: when the archive already validates and every
// incoming message id is already present, the batch is skipped entirely,
// making replays of the same page safe. Returns whether anything was
// written.
func (s *Store) SaveBatch(messages []*model.Message, chatID int64, chatTitle string, downloadedFiles map[int64]string) (bool, error) {
	if len(messages) == 0 {
		return false, nil
	}
	path := s.ArchivePath(chatID)

	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	if s.allPresent(path, ids) {
		log.Info().
			Int64("chat_id", chatID).
			Str("path", path).
			Int("messages", len(messages)).
			Msg("Archive already contains all messages, skipping save")
		return false, nil
	}

	log.Info().
		Int64("chat_id", chatID).
		Str("path", path).
		Int("messages", len(messages)).
		Msg("Saving chat archive batch")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		if s.format == FormatTXT {
			if err := writeTxtLine(w, msg, downloadedFiles[msg.ID]); err != nil {
				return false, err
			}
			continue
		}
		rec := model.NewArchiveRecord(msg, chatID, chatTitle, downloadedFiles[msg.ID])
		line, err := rec.Marshal()
		if err != nil {
			return false, fmt.Errorf("failed to encode record %d: %w", msg.ID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return false, fmt.Errorf("failed to append record %d: %w", msg.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return false, fmt.Errorf("failed to flush archive: %w", err)
	}
	return true, nil
}

// writeTxtLine appends the human-readable legacy format. The txt log is
// append-only and is never parsed back into records.
func writeTxtLine(w *bufio.Writer, msg *model.Message, downloadedFile string) error {
	dateStr := "Unknown"
	if !msg.Date.IsZero() {
		dateStr = msg.Date.Format("2006-01-02 15-04-05")
	}
	text := msg.Text
	if text == "" {
		text = "[no text]"
	}
	mediaInfo := ""
	if msg.Media != nil {
		mediaInfo = fmt.Sprintf(" [media: %s", msg.Media.Type)
		if msg.Media.FileName != "" {
			mediaInfo += ", file: " + msg.Media.FileName
		}
		mediaInfo += "]"
	}
	fileInfo := ""
	if downloadedFile != "" {
		fileInfo = "\n  saved: " + downloadedFile
	}
	_, err := fmt.Fprintf(w, "[%s] ID:%d %s%s%s\n", dateStr, msg.ID, text, mediaInfo, fileInfo)
	return err
}

// allPresent reports whether the archive validates and already contains
// every id in ids.
func (s *Store) allPresent(path string, ids []int64) bool {
	if s.format == FormatTXT {
		// The txt log cannot be checked precisely; always append.
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if !ValidateArchiveFile(path, s.format) {
		return false
	}
	existing, err := existingIDs(path)
	if err != nil {
		return false
	}
	for _, id := range ids {
		if !existing[id] {
			return false
		}
	}
	return true
}

// existingIDs collects every message id present in a JSONL archive.
// Malformed lines are skipped, never fatal.
func existingIDs(path string) (map[int64]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ids := make(map[int64]bool)
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var probe struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil || probe.ID == nil {
			continue
		}
		ids[*probe.ID] = true
	}
	return ids, scanner.Err()
}

// ReadRecords replays a conversation's archive, skipping malformed lines.
// A partially written archive (crash mid-append) stays usable.
func (s *Store) ReadRecords(chatID int64) ([]model.ArchiveRecord, error) {
	path, ok := s.FindExisting(chatID)
	if !ok {
		return nil, os.ErrNotExist
	}
	return ReadRecordsFile(path)
}

// ReadRecordsFile replays one JSONL archive file.
func ReadRecordsFile(path string) ([]model.ArchiveRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []model.ArchiveRecord
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec model.ArchiveRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// FindByNameAndSize scans the conversation's archive for a record whose
// basename matches and whose declared size matches exactly (when both are
// known), and whose downloaded file still exists on disk. This backs the
// pre-download short-circuit: an operator can move the base directory and
// still skip already-fetched files as long as archive and files are intact.
func (s *Store) FindByNameAndSize(chatID int64, fileName string, size int64) (string, bool) {
	path, ok := s.FindExisting(chatID)
	if !ok || s.format == FormatTXT {
		return "", false
	}
	records, err := ReadRecordsFile(path)
	if err != nil {
		return "", false
	}

	baseName := filepath.Base(fileName)
	for _, rec := range records {
		archivedBase := ""
		if rec.DownloadedFile != "" {
			archivedBase = filepath.Base(rec.DownloadedFile)
		} else if rec.FileName != "" {
			archivedBase = filepath.Base(rec.FileName)
		}
		if archivedBase == "" || archivedBase != baseName {
			continue
		}
		if size > 0 && rec.FileSize != nil && rec.FileSizeBytes() != size {
			continue
		}
		if rec.DownloadedFile == "" {
			continue
		}
		if info, err := os.Stat(rec.DownloadedFile); err == nil && !info.IsDir() {
			return rec.DownloadedFile, true
		}
	}
	return "", false
}

// ChatMeta derives a conversation's summary by replaying its archive:
// title from the first (or last) parsable record, message count from the
// line count, last activity from the last record's date.
func (s *Store) ChatMeta(chatID int64) (title string, count int, last time.Time, ok bool) {
	path, found := s.FindExisting(chatID)
	if !found || s.format == FormatTXT {
		return "", 0, time.Time{}, false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, time.Time{}, false
	}
	defer f.Close()

	var firstLine, lastLine string
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if firstLine == "" {
			firstLine = line
		}
		lastLine = line
		count++
	}
	if count == 0 {
		return "", 0, time.Time{}, false
	}

	title = fmt.Sprintf("Chat %d", chatID)
	if t := parseTitle(firstLine); t != "" {
		title = t
	} else if t := parseTitle(lastLine); t != "" {
		title = t
	}

	var rec model.ArchiveRecord
	if err := json.Unmarshal([]byte(lastLine), &rec); err == nil {
		last = rec.ParseDate()
	}
	return title, count, last, true
}

func parseTitle(line string) string {
	if line == "" {
		return ""
	}
	var rec model.ArchiveRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return ""
	}
	if rec.ChatTitle != nil && strings.TrimSpace(*rec.ChatTitle) != "" {
		return strings.TrimSpace(*rec.ChatTitle)
	}
	return ""
}

// ListChatIDs returns the chat ids present as chat_*.jsonl files in the
// history directory. When the file's records carry a signed id, that id is
// returned; otherwise the path id is used. Each path id is reported once.
func (s *Store) ListChatIDs() []int64 {
	entries, err := os.ReadDir(s.historyPath)
	if err != nil {
		return nil
	}
	var ids []int64
	seen := make(map[int64]bool)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "chat_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, "chat_"), ".jsonl")
		pathID, err := strconv.ParseInt(middle, 10, 64)
		if err != nil {
			continue
		}
		if seen[absID(pathID)] {
			continue
		}
		seen[absID(pathID)] = true

		if real, ok := chatIDFromFile(filepath.Join(s.historyPath, name)); ok {
			ids = append(ids, real)
		} else {
			ids = append(ids, pathID)
		}
	}
	return ids
}

func absID(id int64) int64 {
	if id < 0 {
		return -id
	}
	return id
}

// chatIDFromFile extracts the real (signed) chat id from the first
// parsable record of a JSONL archive.
func chatIDFromFile(path string) (int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var probe struct {
			ChatID *int64 `json:"chat_id"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil || probe.ChatID == nil {
			continue
		}
		return *probe.ChatID, true
	}
	return 0, false
}
