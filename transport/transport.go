// Package transport defines the messaging-service boundary. The download
// and importer packages depend only on these interfaces; the Telegram
// implementation lives in telegramhelper.
package transport

import (
	"context"

	"github.com/mediavault/telegram-media-archiver/model"
)

// ChatInfo is the minimal conversation metadata the importer needs.
type ChatInfo struct {
	ID    int64
	Title string
	Type  string
}

// ProgressFunc receives transfer progress as (received, total) bytes.
// Total may be zero when the service does not declare a size.
type ProgressFunc func(received, total int64)

// Client is the connection to the messaging service.
type Client interface {
	// GetChat resolves a conversation by id.
	GetChat(ctx context.Context, chatID int64) (*ChatInfo, error)

	// FetchMessages returns up to limit messages with id strictly greater
	// than afterID, in ascending id order. An empty slice means the
	// conversation history is exhausted.
	FetchMessages(ctx context.Context, chatID, afterID int64, limit int) ([]*model.Message, error)

	// FetchMessagesByID resolves specific messages. Ids that no longer
	// exist are silently absent from the result.
	FetchMessagesByID(ctx context.Context, chatID int64, ids []int64) ([]*model.Message, error)

	// RefetchMessage re-resolves a single message, obtaining fresh media
	// references after the old ones expired.
	RefetchMessage(ctx context.Context, chatID, messageID int64) (*model.Message, error)

	// TransferAttachment downloads a message's attachment to destPath.
	// The file at destPath is complete when the call returns nil.
	TransferAttachment(ctx context.Context, att *model.Attachment, destPath string, progress ProgressFunc) error

	// Close releases the connection.
	Close() error
}
