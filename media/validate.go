package media

import (
	"os"

	"github.com/mediavault/telegram-media-archiver/model"
)

// Container magic bytes recognized by the signature check.
var (
	mp4Ftyp = []byte("ftyp") // at offset 4: MP4/MOV/3GP
	mkvSig  = []byte{0x1A, 0x45, 0xDF, 0xA3}
	riffSig = []byte("RIFF")
	aviSig  = []byte("AVI ") // at offset 8
	oggSig  = []byte("OggS")
	wavSig  = []byte("WAVE") // at offset 8
)

// sizeTolerance: a file at least this fraction of the declared size passes
// the size check, tolerating provider-side truncation edge cases.
const sizeTolerance = 0.95

func readHead(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read <= 0 {
		return nil
	}
	return buf[:read]
}

// hasContainerSignature reports whether head begins with a recognized
// audio/video container magic: MP4-family ftyp, Matroska/WebM EBML,
// RIFF+AVI, OggS, or RIFF+WAVE.
func hasContainerSignature(head []byte) bool {
	if len(head) < 12 {
		return false
	}
	if string(head[4:8]) == string(mp4Ftyp) {
		return true
	}
	if string(head[:4]) == string(mkvSig) {
		return true
	}
	if string(head[:4]) == string(riffSig) && string(head[8:12]) == string(aviSig) {
		return true
	}
	if string(head[:4]) == string(oggSig) {
		return true
	}
	if string(head[:4]) == string(riffSig) && string(head[8:12]) == string(wavSig) {
		return true
	}
	return false
}

// ValidateDownloadedFile performs the strict post-download check: the file
// exists with size > 0, the size is within tolerance of the declared size
// when one is known, and for video/video_note the byte stream starts with a
// recognized container signature. Audio and voice pass on size alone when
// no known signature matches (MP3 streams are not reliably identifiable by
// magic). Documents and photos are accepted on size alone.
func ValidateDownloadedFile(path string, mediaType model.MediaType, expectedSize int64, checkSignature bool) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	size := info.Size()
	if size <= 0 {
		return false
	}
	if expectedSize > 0 && float64(size) < float64(expectedSize)*sizeTolerance {
		return false
	}
	if !checkSignature {
		return true
	}

	head := readHead(path, 32)
	if head == nil {
		return false
	}
	switch mediaType {
	case model.MediaVideo, model.MediaVideoNote:
		return hasContainerSignature(head)
	default:
		// Audio and everything else pass on size alone; plenty of valid
		// audio has no unambiguous magic.
		return true
	}
}
