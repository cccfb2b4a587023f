package telegramhelper

import (
	"time"

	"github.com/zelenin/go-tdlib/client"

	"github.com/mediavault/telegram-media-archiver/model"
)

// convertMessage maps a TDLib message into the archiver's model: text or
// caption, formatting entities, one attachment per message, counters.
func convertMessage(raw *client.Message) *model.Message {
	msg := &model.Message{
		ID:     raw.Id,
		ChatID: raw.ChatId,
		Date:   time.Unix(int64(raw.Date), 0).UTC(),
	}
	if raw.EditDate > 0 {
		msg.EditDate = time.Unix(int64(raw.EditDate), 0).UTC()
	}
	msg.SenderID = senderID(raw.SenderId)
	if reply, ok := raw.ReplyTo.(*client.MessageReplyToMessage); ok && reply != nil {
		msg.ReplyToID = reply.MessageId
	}
	if raw.InteractionInfo != nil {
		msg.Views = raw.InteractionInfo.ViewCount
		msg.Forwards = raw.InteractionInfo.ForwardCount
	}

	var formatted *client.FormattedText
	switch content := raw.Content.(type) {
	case *client.MessageText:
		formatted = content.Text
	case *client.MessagePhoto:
		formatted = content.Caption
		msg.Media = photoAttachment(content.Photo, int64(raw.Date))
	case *client.MessageVideo:
		formatted = content.Caption
		if v := content.Video; v != nil && v.Video != nil {
			msg.Media = &model.Attachment{
				Type:     model.MediaVideo,
				ID:       v.Video.Id,
				FileName: v.FileName,
				MimeType: v.MimeType,
				Size:     v.Video.Size,
				Date:     time.Unix(int64(raw.Date), 0).UTC(),
				Duration: v.Duration,
				Width:    v.Width,
				Height:   v.Height,
			}
		}
	case *client.MessageAudio:
		formatted = content.Caption
		if a := content.Audio; a != nil && a.Audio != nil {
			msg.Media = &model.Attachment{
				Type:     model.MediaAudio,
				ID:       a.Audio.Id,
				FileName: a.FileName,
				MimeType: a.MimeType,
				Size:     a.Audio.Size,
				Date:     time.Unix(int64(raw.Date), 0).UTC(),
				Duration: a.Duration,
			}
		}
	case *client.MessageVoiceNote:
		formatted = content.Caption
		if v := content.VoiceNote; v != nil && v.Voice != nil {
			msg.Media = &model.Attachment{
				Type:     model.MediaVoice,
				ID:       v.Voice.Id,
				MimeType: v.MimeType,
				Size:     v.Voice.Size,
				Date:     time.Unix(int64(raw.Date), 0).UTC(),
				Duration: v.Duration,
			}
		}
	case *client.MessageVideoNote:
		if v := content.VideoNote; v != nil && v.Video != nil {
			msg.Media = &model.Attachment{
				Type:     model.MediaVideoNote,
				ID:       v.Video.Id,
				Size:     v.Video.Size,
				Date:     time.Unix(int64(raw.Date), 0).UTC(),
				Duration: v.Duration,
				Width:    v.Length,
				Height:   v.Length,
			}
		}
	case *client.MessageDocument:
		formatted = content.Caption
		if d := content.Document; d != nil && d.Document != nil {
			msg.Media = &model.Attachment{
				Type:     model.MediaDocument,
				ID:       d.Document.Id,
				FileName: d.FileName,
				MimeType: d.MimeType,
				Size:     d.Document.Size,
				Date:     time.Unix(int64(raw.Date), 0).UTC(),
			}
		}
	}

	if formatted != nil {
		msg.Text = formatted.Text
		msg.Entities = convertEntities(formatted.Entities)
	}
	return msg
}

// photoAttachment picks the largest available size of a photo.
func photoAttachment(photo *client.Photo, date int64) *model.Attachment {
	if photo == nil || len(photo.Sizes) == 0 {
		return nil
	}
	var best *client.PhotoSize
	for _, size := range photo.Sizes {
		if size == nil || size.Photo == nil {
			continue
		}
		if best == nil || size.Photo.Size > best.Photo.Size {
			best = size
		}
	}
	if best == nil {
		return nil
	}
	return &model.Attachment{
		Type:     model.MediaPhoto,
		ID:       best.Photo.Id,
		MimeType: "image/jpeg",
		Size:     best.Photo.Size,
		Date:     time.Unix(date, 0).UTC(),
		Width:    best.Width,
		Height:   best.Height,
	}
}

// convertEntities maps the formatting entities the HTML view understands.
// Unknown entity kinds are dropped.
func convertEntities(entities []*client.TextEntity) []model.Entity {
	var out []model.Entity
	for _, ent := range entities {
		if ent == nil || ent.Type == nil {
			continue
		}
		converted := model.Entity{Offset: ent.Offset, Length: ent.Length}
		switch t := ent.Type.(type) {
		case *client.TextEntityTypeBold:
			converted.Type = "bold"
		case *client.TextEntityTypeItalic:
			converted.Type = "italic"
		case *client.TextEntityTypeUnderline:
			converted.Type = "underline"
		case *client.TextEntityTypeStrikethrough:
			converted.Type = "strikethrough"
		case *client.TextEntityTypeCode:
			converted.Type = "code"
		case *client.TextEntityTypePre:
			converted.Type = "pre"
		case *client.TextEntityTypeUrl:
			converted.Type = "url"
		case *client.TextEntityTypeTextUrl:
			converted.Type = "text_link"
			converted.URL = t.Url
		case *client.TextEntityTypeMentionName:
			converted.Type = "mention_name"
			converted.UserID = t.UserId
		default:
			continue
		}
		out = append(out, converted)
	}
	return out
}

func senderID(sender client.MessageSender) int64 {
	switch s := sender.(type) {
	case *client.MessageSenderUser:
		return s.UserId
	case *client.MessageSenderChat:
		return s.ChatId
	default:
		return 0
	}
}
