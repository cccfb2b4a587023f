// Package model defines the data types shared by the archiver pipeline:
// incoming chat messages, attachment descriptors, the durable archive
// record format, and manifest entries.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// MediaType is the closed set of attachment categories the archiver handles.
type MediaType string

const (
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaAudio     MediaType = "audio"
	MediaVoice     MediaType = "voice"
	MediaVideoNote MediaType = "video_note"
	MediaDocument  MediaType = "document"
)

// AllMediaTypes lists every category, in the order media directories are
// laid out on disk.
var AllMediaTypes = []MediaType{
	MediaAudio, MediaDocument, MediaPhoto, MediaVideo, MediaVoice, MediaVideoNote,
}

// Valid reports whether t is one of the known categories.
func (t MediaType) Valid() bool {
	switch t {
	case MediaPhoto, MediaVideo, MediaAudio, MediaVoice, MediaVideoNote, MediaDocument:
		return true
	}
	return false
}

// Attachment describes the media payload of a message in
// transport-independent terms.
type Attachment struct {
	Type     MediaType
	ID       int32
	FileName string
	MimeType string
	Size     int64 // declared size in bytes, 0 when unknown
	Date     time.Time
	Duration int32
	Width    int32
	Height   int32
}

// Format returns the MIME-derived file extension ("video/mp4" -> "mp4").
// Photos default to jpg when no MIME type is declared.
func (a *Attachment) Format() string {
	if a.MimeType != "" {
		parts := strings.Split(a.MimeType, "/")
		return parts[len(parts)-1]
	}
	if a.Type == MediaPhoto {
		return "jpg"
	}
	return ""
}

// Entity is a text formatting/link span carried by a message.
type Entity struct {
	Type   string `json:"type"`
	Offset int32  `json:"offset"`
	Length int32  `json:"length"`
	URL    string `json:"url,omitempty"`
	UserID int64  `json:"user_id,omitempty"`
}

// Message is the immutable input record handed to the pipeline by the
// chat transport. IDs are unique within a conversation.
type Message struct {
	ID        int64
	ChatID    int64
	Date      time.Time // zero when the provider did not supply one
	Text      string
	SenderID  int64
	Media     *Attachment
	ReplyToID int64
	EditDate  time.Time
	Views     int32
	Forwards  int32
	Entities  []Entity
}

// ByteSize is a file size that tolerates the looser typing found in
// persisted archives: null, a JSON number, or a numeric string all decode
// without error. Anything unparseable decodes as 0.
type ByteSize int64

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*b = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*b = ByteSize(int64(f))
		return nil
	}
	*b = 0
	return nil
}

// ArchiveRecord is one line of a conversation's JSONL archive. Field names
// and nullability are part of the on-disk contract and must not change.
type ArchiveRecord struct {
	ID           int64    `json:"id"`
	Date         *string  `json:"date"`
	Text         string   `json:"text"`
	SenderID     int64    `json:"sender_id"`
	ChatID       int64    `json:"chat_id"`
	ChatTitle    *string  `json:"chat_title"`
	HasMedia     bool     `json:"has_media"`
	Views        *int32   `json:"views"`
	Forwards     *int32   `json:"forwards"`
	ReplyToMsgID *int64   `json:"reply_to_msg_id"`
	EditDate     *string  `json:"edit_date"`
	Entities     []Entity `json:"entities,omitempty"`

	// Media fields, present only when HasMedia.
	MediaType string    `json:"media_type,omitempty"`
	MediaID   int64     `json:"media_id,omitempty"`
	FileSize  *ByteSize `json:"file_size,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	Duration  int32     `json:"duration,omitempty"`
	Width     int32     `json:"width,omitempty"`
	Height    int32     `json:"height,omitempty"`

	DownloadedFile string `json:"downloaded_file,omitempty"`
}

// FileSizeBytes returns the declared size, 0 when absent or null.
func (r *ArchiveRecord) FileSizeBytes() int64 {
	if r.FileSize == nil {
		return 0
	}
	return int64(*r.FileSize)
}

// ParseDate returns the record's date, or the zero time when absent or
// malformed.
func (r *ArchiveRecord) ParseDate() time.Time {
	if r.Date == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, *r.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewArchiveRecord builds the durable representation of one processed
// message. downloadedFile is empty when no attachment was materialized.
func NewArchiveRecord(msg *Message, chatID int64, chatTitle string, downloadedFile string) ArchiveRecord {
	rec := ArchiveRecord{
		ID:       msg.ID,
		Text:     msg.Text,
		SenderID: msg.SenderID,
		ChatID:   chatID,
		HasMedia: msg.Media != nil,
		Entities: msg.Entities,
	}
	if !msg.Date.IsZero() {
		d := msg.Date.UTC().Format(time.RFC3339)
		rec.Date = &d
	}
	if chatTitle != "" {
		rec.ChatTitle = &chatTitle
	}
	if msg.Views > 0 {
		v := msg.Views
		rec.Views = &v
	}
	if msg.Forwards > 0 {
		f := msg.Forwards
		rec.Forwards = &f
	}
	if msg.ReplyToID != 0 {
		r := msg.ReplyToID
		rec.ReplyToMsgID = &r
	}
	if !msg.EditDate.IsZero() {
		e := msg.EditDate.UTC().Format(time.RFC3339)
		rec.EditDate = &e
	}
	if att := msg.Media; att != nil {
		rec.MediaType = string(att.Type)
		rec.MediaID = int64(att.ID)
		rec.MimeType = att.MimeType
		rec.FileName = att.FileName
		rec.Duration = att.Duration
		rec.Width = att.Width
		rec.Height = att.Height
		if att.Size > 0 {
			sz := ByteSize(att.Size)
			rec.FileSize = &sz
		}
	}
	rec.DownloadedFile = downloadedFile
	return rec
}

// Marshal encodes the record as a single JSONL line (no trailing newline).
func (r ArchiveRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ManifestEntry is one conversation's summary in the cross-run index
// manifest (index.json). LastMessageDate is ISO-8601 or null.
type ManifestEntry struct {
	Title           string  `json:"title"`
	MessageCount    int     `json:"message_count"`
	LastMessageDate *string `json:"last_message_date"`
}

// LastDate parses LastMessageDate, returning the zero time when absent.
func (e ManifestEntry) LastDate() time.Time {
	if e.LastMessageDate == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, *e.LastMessageDate)
	if err != nil {
		return time.Time{}
	}
	return t
}
