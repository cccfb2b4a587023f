package tools

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/mediavault/telegram-media-archiver/archive"
	"github.com/mediavault/telegram-media-archiver/model"
)

// ignoredFiles are housekeeping files the cleanup never touches.
var ignoredFiles = map[string]bool{
	".gitkeep":   true,
	".DS_Store":  true,
	"Thumbs.db":  true,
	".gitignore": true,
}

// CleanupReport summarizes an orphan scan.
type CleanupReport struct {
	Scanned int
	Orphans []string
	Removed int
	DryRun  bool
}

// CleanupOrphans scans the media directories under baseDir for files no
// archive record references. In dry-run mode (the default) orphans are
// only reported; otherwise they are deleted. Symlinks and housekeeping
// files are never touched.
func CleanupOrphans(store *archive.Store, baseDir string, dryRun bool) (*CleanupReport, error) {
	referenced := referencedFiles(store)
	report := &CleanupReport{DryRun: dryRun}

	for _, mediaType := range model.AllMediaTypes {
		dir := filepath.Join(baseDir, string(mediaType))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || ignoredFiles[entry.Name()] {
				continue
			}
			if entry.Type()&os.ModeSymlink != 0 {
				continue
			}
			report.Scanned++
			path := filepath.Join(dir, entry.Name())
			if referenced[path] || referenced[entry.Name()] {
				continue
			}
			report.Orphans = append(report.Orphans, path)
			if dryRun {
				log.Info().Str("path", path).Msg("Orphaned media file (dry run)")
				continue
			}
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to remove orphaned file")
				continue
			}
			report.Removed++
			log.Info().Str("path", path).Msg("Removed orphaned media file")
		}
	}

	log.Info().
		Int("scanned", report.Scanned).
		Int("orphans", len(report.Orphans)).
		Int("removed", report.Removed).
		Bool("dry_run", dryRun).
		Msg("Cleanup complete")
	return report, nil
}

// referencedFiles collects every downloaded file path recorded across all
// archives, both as full path and basename so relocated trees still
// match.
func referencedFiles(store *archive.Store) map[string]bool {
	refs := make(map[string]bool)
	for _, chatID := range store.ListChatIDs() {
		records, err := store.ReadRecords(chatID)
		if err != nil {
			continue
		}
		for _, rec := range records {
			if rec.DownloadedFile == "" {
				continue
			}
			refs[rec.DownloadedFile] = true
			refs[filepath.Base(rec.DownloadedFile)] = true
		}
	}
	return refs
}
