package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSizeUnmarshal(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  int64
	}{
		{"Number", `1024`, 1024},
		{"Null", `null`, 0},
		{"NumericString", `"2048"`, 2048},
		{"Garbage", `"not-a-size"`, 0},
		{"EmptyString", `""`, 0},
		{"Float", `1536.0`, 1536},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b ByteSize
			err := json.Unmarshal([]byte(tc.input), &b)
			assert.NoError(t, err)
			assert.Equal(t, tc.want, int64(b))
		})
	}
}

func TestNewArchiveRecord(t *testing.T) {
	date := time.Date(2024, 5, 12, 9, 30, 0, 0, time.UTC)

	t.Run("TextOnly", func(t *testing.T) {
		msg := &Message{ID: 10, ChatID: -100, Date: date, Text: "hello", SenderID: 42}
		rec := NewArchiveRecord(msg, -100, "Family", "")

		assert.Equal(t, int64(10), rec.ID)
		assert.Equal(t, int64(-100), rec.ChatID)
		assert.False(t, rec.HasMedia)
		require.NotNil(t, rec.Date)
		assert.Equal(t, date.Format(time.RFC3339), *rec.Date)
		require.NotNil(t, rec.ChatTitle)
		assert.Equal(t, "Family", *rec.ChatTitle)
	})

	t.Run("WithMedia", func(t *testing.T) {
		msg := &Message{
			ID:     11,
			ChatID: -100,
			Date:   date,
			Media: &Attachment{
				Type:     MediaVideo,
				ID:       77,
				FileName: "clip.mp4",
				MimeType: "video/mp4",
				Size:     5000,
				Duration: 12,
				Width:    640,
				Height:   480,
			},
		}
		rec := NewArchiveRecord(msg, -100, "Family", "/base/video/clip.mp4")

		assert.True(t, rec.HasMedia)
		assert.Equal(t, "video", rec.MediaType)
		assert.Equal(t, "/base/video/clip.mp4", rec.DownloadedFile)
		assert.Equal(t, int64(5000), rec.FileSizeBytes())
	})

	t.Run("MarshalIncludesNullFields", func(t *testing.T) {
		msg := &Message{ID: 12, ChatID: 55}
		rec := NewArchiveRecord(msg, 55, "", "")
		line, err := rec.Marshal()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(line, &raw))
		for _, key := range []string{"id", "date", "text", "sender_id", "chat_id", "chat_title", "has_media", "views", "forwards", "reply_to_msg_id", "edit_date"} {
			assert.Contains(t, raw, key)
		}
		assert.NotContains(t, raw, "media_type")
		assert.NotContains(t, raw, "downloaded_file")
	})
}

func TestArchiveRecordRoundTripNulls(t *testing.T) {
	line := []byte(`{"id":3,"date":null,"text":"x","sender_id":0,"chat_id":9,"chat_title":null,"has_media":true,"views":null,"forwards":null,"reply_to_msg_id":null,"edit_date":null,"media_type":"photo","file_size":null}`)
	var rec ArchiveRecord
	require.NoError(t, json.Unmarshal(line, &rec))
	assert.Equal(t, int64(3), rec.ID)
	assert.Nil(t, rec.Date)
	assert.True(t, rec.ParseDate().IsZero())
	assert.Equal(t, int64(0), rec.FileSizeBytes())
}

func TestAttachmentFormat(t *testing.T) {
	assert.Equal(t, "mp4", (&Attachment{Type: MediaVideo, MimeType: "video/mp4"}).Format())
	assert.Equal(t, "jpg", (&Attachment{Type: MediaPhoto}).Format())
	assert.Equal(t, "", (&Attachment{Type: MediaDocument}).Format())
}
