package telegramhelper

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zelenin/go-tdlib/client"

	"github.com/mediavault/telegram-media-archiver/download"
	"github.com/mediavault/telegram-media-archiver/model"
	"github.com/mediavault/telegram-media-archiver/transport"
)

// Adapter implements transport.Client over a TDLib client.
type Adapter struct {
	td TDLibClient
}

var _ transport.Client = (*Adapter)(nil)

// NewAdapter wraps an initialized TDLib client.
func NewAdapter(td TDLibClient) *Adapter {
	return &Adapter{td: td}
}

// GetChat resolves a conversation by id.
func (a *Adapter) GetChat(ctx context.Context, chatID int64) (*transport.ChatInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chat, err := a.td.GetChat(&client.GetChatRequest{ChatId: chatID})
	if err != nil {
		return nil, translateError(err)
	}
	info := &transport.ChatInfo{ID: chat.Id, Title: chat.Title}
	if chat.Type != nil {
		info.Type = chat.Type.ChatTypeType()
	}
	return info, nil
}

// FetchMessages returns up to limit messages newer than afterID in
// ascending id order. TDLib pages history newest-first, so the request
// anchors on afterID with a negative offset and the result is filtered and
// re-sorted.
func (a *Adapter) FetchMessages(ctx context.Context, chatID, afterID int64, limit int) ([]*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fromID := afterID
	if fromID == 0 {
		// Anchor below the first real message id to page from the start.
		fromID = 1
	}
	// TDLib demands limit >= -offset+1 and limit <= 100, so a page of N
	// newer messages is requested as offset -N, limit N+1; the anchor
	// message rides along and is filtered back out below.
	page := limit
	if page > 99 {
		page = 99
	}
	history, err := a.td.GetChatHistory(&client.GetChatHistoryRequest{
		ChatId:        chatID,
		FromMessageId: fromID,
		Offset:        int32(-page),
		Limit:         int32(page + 1),
		OnlyLocal:     false,
	})
	if err != nil {
		return nil, translateError(err)
	}

	var out []*model.Message
	for _, raw := range history.Messages {
		if raw == nil || raw.Id <= afterID {
			continue
		}
		out = append(out, convertMessage(raw))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchMessagesByID resolves specific messages, dropping ids that no
// longer exist.
func (a *Adapter) FetchMessagesByID(ctx context.Context, chatID int64, ids []int64) ([]*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := a.td.GetMessages(&client.GetMessagesRequest{
		ChatId:     chatID,
		MessageIds: ids,
	})
	if err != nil {
		return nil, translateError(err)
	}
	var out []*model.Message
	for _, raw := range msgs.Messages {
		if raw == nil {
			continue
		}
		out = append(out, convertMessage(raw))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RefetchMessage re-resolves one message, getting fresh file references.
func (a *Adapter) RefetchMessage(ctx context.Context, chatID, messageID int64) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := a.td.GetMessage(&client.GetMessageRequest{
		ChatId:    chatID,
		MessageId: messageID,
	})
	if err != nil {
		return nil, translateError(err)
	}
	return convertMessage(raw), nil
}

// TransferAttachment downloads a file through TDLib and moves it into
// place. TDLib writes into its own files directory; the completed file is
// renamed (or copied across filesystems) to destPath.
func (a *Adapter) TransferAttachment(ctx context.Context, att *model.Attachment, destPath string, progress transport.ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	downloaded, err := a.td.DownloadFile(&client.DownloadFileRequest{
		FileId:      att.ID,
		Priority:    1,
		Offset:      0,
		Limit:       0,
		Synchronous: true,
	})
	if err != nil {
		return translateError(err)
	}
	if downloaded.Local == nil || downloaded.Local.Path == "" {
		return download.NewTransferError(download.KindConnection,
			fmt.Errorf("download of file %d produced no local path", att.ID))
	}
	if progress != nil {
		progress(downloaded.Local.DownloadedSize, downloaded.Size)
	}
	if err := moveFile(downloaded.Local.Path, destPath); err != nil {
		return fmt.Errorf("failed to place downloaded file: %w", err)
	}
	log.Debug().
		Int32("file_id", att.ID).
		Str("path", destPath).
		Msg("Attachment transferred")
	return nil
}

// Close shuts the TDLib client down.
func (a *Adapter) Close() error {
	_, err := a.td.Close()
	return err
}

// moveFile renames src to dst, copying when rename crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
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
	if err := out.Close(); err != nil {
		return err
	}
	os.Remove(src)
	return nil
}

// translateError classifies TDLib errors at the boundary so the retry
// policy upstream sees transfer error kinds instead of raw strings.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "FILE_REFERENCE"):
		return download.NewTransferError(download.KindExpiredReference, err)
	case strings.Contains(msg, "FILE_MIGRATE"):
		return download.NewTransferError(download.KindMigrate, err)
	case strings.Contains(msg, "TIMEOUT"):
		return download.NewTransferError(download.KindTimeout, err)
	case strings.Contains(msg, "CONNECTION"), strings.Contains(msg, "BYTES READ"):
		return download.NewTransferError(download.KindConnection, err)
	default:
		return err
	}
}
