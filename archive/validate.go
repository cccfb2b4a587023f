package archive

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// validationProbeLines bounds how far into an archive validation reads. A
// usable archive must yield at least one JSON object within this window.
const validationProbeLines = 5

// maxLineBytes sizes the scanner buffer. A record with a long message text
// plus entities fits comfortably within this.
const maxLineBytes = 4 * 1024 * 1024

func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	return scanner
}

// ValidateArchiveFile reports whether an archive file is usable as a
// resume anchor. JSONL archives must be non-empty and contain at least one
// parsable JSON object among the first few lines; txt archives must merely
// be non-empty. Any I/O failure means invalid.
func ValidateArchiveFile(path, format string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return false
	}
	if strings.EqualFold(format, FormatTXT) || strings.EqualFold(filepath.Ext(path), ".txt") {
		return true
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := newLineScanner(f)
	for i := 0; i < validationProbeLines && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var probe map[string]any
		if err := json.Unmarshal([]byte(line), &probe); err == nil {
			return true
		}
	}
	return false
}
