// Package media resolves attachment descriptors to on-disk target paths,
// enforces per-category format allow-lists, and validates downloaded files
// against size and container-signature checks.
package media

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mediavault/telegram-media-archiver/model"
)

// filenameReplacements maps OS-reserved characters to safe substitutes.
// The set (and the substitutes) are part of the on-disk naming contract:
// archives written on one platform must resolve to the same names on another.
var filenameReplacements = []struct {
	old string
	new string
}{
	{":", "-"},
	{"<", "_"},
	{">", "_"},
	{`"`, "'"},
	{"/", "_"},
	{`\`, "_"},
	{"|", "_"},
	{"?", "_"},
	{"*", "_"},
	{"+", "_"},
}

// SanitizeFilename replaces characters that are reserved on Windows or
// otherwise unsafe in file names.
func SanitizeFilename(name string) string {
	for _, r := range filenameReplacements {
		name = strings.ReplaceAll(name, r.old, r.new)
	}
	return name
}

// Resolve determines the target path and MIME-derived format for an
// attachment under baseDir. Voice and video notes are named by capture
// timestamp; everything else uses the sanitized declared filename, falling
// back to "{category}_{id}" when none is declared. Resolve is pure: it
// never touches the filesystem.
func Resolve(att *model.Attachment, baseDir string) (string, string) {
	format := att.Format()

	switch att.Type {
	case model.MediaVoice, model.MediaVideoNote:
		ext := format
		if ext == "" {
			if att.Type == model.MediaVoice {
				ext = "ogg"
			} else {
				ext = "mp4"
			}
		}
		dateStr := att.Date.Format("2006-01-02_15-04-05")
		name := fmt.Sprintf("%s_%s.%s", att.Type, dateStr, ext)
		return filepath.Join(baseDir, string(att.Type), name), format
	default:
		name := ""
		if att.FileName != "" {
			name = SanitizeFilename(att.FileName)
		}
		if name == "" {
			name = fmt.Sprintf("%s_%d", att.Type, att.ID)
		}
		return filepath.Join(baseDir, string(att.Type), name), format
	}
}

// FormatAllowed reports whether a file of the given format may be
// downloaded for the given category. Only audio, document and video are
// gated; an allow-list whose first element is "all" disables filtering for
// that category, as does a missing allow-list.
func FormatAllowed(t model.MediaType, format string, rules map[string][]string) bool {
	switch t {
	case model.MediaAudio, model.MediaDocument, model.MediaVideo:
	default:
		return true
	}
	allowed, ok := rules[string(t)]
	if !ok || len(allowed) == 0 || allowed[0] == "all" {
		return true
	}
	for _, f := range allowed {
		if f == format {
			return true
		}
	}
	return false
}
