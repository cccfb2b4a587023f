// Package tools implements the maintenance commands that operate on an
// existing archive tree: exporting a conversation's media and cleaning up
// orphaned files.
package tools

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mediavault/telegram-media-archiver/archive"
)

// ExportItem records one attachment's export outcome.
type ExportItem struct {
	MessageID int64  `json:"message_id"`
	Source    string `json:"source"`
	Target    string `json:"target,omitempty"`
	Status    string `json:"status"` // exported, missing or skipped
}

// ExportManifest summarizes an export run; written as
// export_manifest.json next to the exported containers.
type ExportManifest struct {
	ExportID string       `json:"export_id"`
	ChatID   int64        `json:"chat_id"`
	Exported int          `json:"exported"`
	Missing  int          `json:"missing"`
	Skipped  int          `json:"skipped"`
	Items    []ExportItem `json:"items"`
}

// ExportChat copies a conversation out of the archive tree: its JSONL (and
// HTML, when present) container into destDir/chat_{abs(id)}/, and every
// downloaded attachment into the media/ subdirectory as
// {message_id}__{original name}. Hard links are used when the filesystem
// allows, falling back to a copy. Files already present in the destination
// are skipped.
func ExportChat(store *archive.Store, chatID int64, destDir string) (*ExportManifest, error) {
	records, err := store.ReadRecords(chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive for chat %d: %w", chatID, err)
	}
	root := filepath.Join(destDir, fmt.Sprintf("chat_%d", archive.PathChatID(chatID)))
	mediaDir := filepath.Join(root, "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	if src, ok := store.FindExisting(chatID); ok {
		if err := copyFile(src, filepath.Join(root, filepath.Base(src))); err != nil {
			return nil, fmt.Errorf("failed to export archive container: %w", err)
		}
	}
	htmlPage := filepath.Join(store.HistoryPath(), fmt.Sprintf("chat_%d.html", archive.PathChatID(chatID)))
	if fileExists(htmlPage) {
		if err := copyFile(htmlPage, filepath.Join(root, filepath.Base(htmlPage))); err != nil {
			return nil, fmt.Errorf("failed to export chat page: %w", err)
		}
	}

	manifest := &ExportManifest{ExportID: uuid.NewString(), ChatID: chatID, Items: []ExportItem{}}
	for _, rec := range records {
		if rec.DownloadedFile == "" {
			continue
		}
		item := ExportItem{MessageID: rec.ID, Source: rec.DownloadedFile}
		target := filepath.Join(mediaDir, fmt.Sprintf("%d__%s", rec.ID, filepath.Base(rec.DownloadedFile)))

		switch {
		case fileExists(target):
			item.Status = "skipped"
			item.Target = target
			manifest.Skipped++
		case !fileExists(rec.DownloadedFile):
			item.Status = "missing"
			manifest.Missing++
			log.Warn().
				Int64("message_id", rec.ID).
				Str("source", rec.DownloadedFile).
				Msg("Archived file missing from disk")
		default:
			if err := linkOrCopy(rec.DownloadedFile, target); err != nil {
				return nil, fmt.Errorf("failed to export %s: %w", rec.DownloadedFile, err)
			}
			item.Status = "exported"
			item.Target = target
			manifest.Exported++
		}
		manifest.Items = append(manifest.Items, item)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export manifest: %w", err)
	}
	manifestPath := filepath.Join(root, "export_manifest.json")
	if err := os.WriteFile(manifestPath, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write export manifest: %w", err)
	}

	log.Info().
		Int64("chat_id", chatID).
		Int("exported", manifest.Exported).
		Int("missing", manifest.Missing).
		Int("skipped", manifest.Skipped).
		Str("dest", destDir).
		Msg("Export complete")
	return manifest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// linkOrCopy hard-links src to dst, copying when linking fails (other
// filesystem, or a filesystem without hard links).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
