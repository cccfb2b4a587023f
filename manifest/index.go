// Package manifest maintains index.json, the summary of every archived
// conversation. The archive JSONL files are the source of truth; the
// manifest is a derived view that Rebuild can always reconstruct.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediavault/telegram-media-archiver/archive"
	"github.com/mediavault/telegram-media-archiver/model"
)

// FileName is the manifest file name inside the history directory.
const FileName = "index.json"

// Index maps a chat id (signed, as a decimal string) to its summary entry.
type Index map[string]model.ManifestEntry

// Path returns the manifest location for a history directory.
func Path(historyPath string) string {
	return filepath.Join(historyPath, FileName)
}

// Load reads the manifest, returning an empty index when missing or
// unreadable, and merges any duplicate entries left behind by the old
// abs-id keying scheme.
func Load(historyPath string) Index {
	path := Path(historyPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return Index{}
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Manifest is unreadable, starting fresh")
		return Index{}
	}
	return mergeDuplicates(idx)
}

// Save writes the manifest atomically (temp file plus rename) with sorted
// keys and indentation, so concurrent readers never observe a torn file.
func (idx Index) Save(historyPath string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := Path(historyPath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// Update sets a conversation's entry, replacing any duplicate keyed by the
// opposite sign of the same id.
func (idx Index) Update(chatID int64, entry model.ManifestEntry) {
	delete(idx, strconv.FormatInt(-chatID, 10))
	idx[strconv.FormatInt(chatID, 10)] = entry
}

// Lookup returns the entry for a chat id under either signing of the key.
func (idx Index) Lookup(chatID int64) (model.ManifestEntry, bool) {
	if e, ok := idx[strconv.FormatInt(chatID, 10)]; ok {
		return e, true
	}
	e, ok := idx[strconv.FormatInt(-chatID, 10)]
	return e, ok
}

// mergeDuplicates collapses entries that refer to the same conversation
// under differently signed keys. The merged entry keeps the higher message
// count, the later date, and a non-empty title; the signed (negative) key
// wins because it preserves the real chat id.
func mergeDuplicates(idx Index) Index {
	merged := Index{}
	byAbs := make(map[string][]string)
	for key := range idx {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			merged[key] = idx[key]
			continue
		}
		absKey := strconv.FormatInt(absID(id), 10)
		byAbs[absKey] = append(byAbs[absKey], key)
	}
	for _, keys := range byAbs {
		sort.Strings(keys) // "-123" sorts before "123"
		winner := keys[0]
		entry := idx[winner]
		for _, key := range keys[1:] {
			entry = mergeEntries(entry, idx[key])
		}
		merged[winner] = entry
	}
	return merged
}

func mergeEntries(a, b model.ManifestEntry) model.ManifestEntry {
	out := a
	if b.MessageCount > out.MessageCount {
		out.MessageCount = b.MessageCount
	}
	if laterDate(b.LastMessageDate, out.LastMessageDate) {
		out.LastMessageDate = b.LastMessageDate
	}
	if out.Title == "" {
		out.Title = b.Title
	}
	return out
}

func laterDate(candidate, current *string) bool {
	if candidate == nil {
		return false
	}
	if current == nil {
		return true
	}
	ct, err1 := time.Parse(time.RFC3339, *candidate)
	xt, err2 := time.Parse(time.RFC3339, *current)
	if err1 != nil {
		return false
	}
	if err2 != nil {
		return true
	}
	return ct.After(xt)
}

func absID(id int64) int64 {
	if id < 0 {
		return -id
	}
	return id
}

// Rebuild reconstructs the manifest entirely from the archive files,
// discarding whatever index.json currently claims. Used by the
// rebuild-index command and as the recovery path for a corrupt manifest.
func Rebuild(store *archive.Store) (Index, error) {
	idx := Index{}
	for _, chatID := range store.ListChatIDs() {
		title, count, last, ok := store.ChatMeta(chatID)
		if !ok {
			continue
		}
		entry := model.ManifestEntry{Title: title, MessageCount: count}
		if !last.IsZero() {
			s := last.Format(time.RFC3339)
			entry.LastMessageDate = &s
		}
		idx.Update(chatID, entry)
	}
	return idx, nil
}

// Reconcile refreshes one conversation's entry from its archive file. The
// recount from JSONL wins over whatever the in-memory entry accumulated,
// so replayed batches never inflate the count.
func Reconcile(idx Index, store *archive.Store, chatID int64, fallbackTitle string) {
	title, count, last, ok := store.ChatMeta(chatID)
	if !ok {
		return
	}
	if fallbackTitle != "" {
		title = fallbackTitle
	}
	entry := model.ManifestEntry{Title: title, MessageCount: count}
	if !last.IsZero() {
		s := last.Format(time.RFC3339)
		entry.LastMessageDate = &s
	}
	idx.Update(chatID, entry)
}
