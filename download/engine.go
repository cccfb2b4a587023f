// Package download drives individual media transfers: pre-download
// short-circuits, classified retries, post-download validation and
// duplicate collapsing.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/mediavault/telegram-media-archiver/archive"
	"github.com/mediavault/telegram-media-archiver/media"
	"github.com/mediavault/telegram-media-archiver/model"
	"github.com/mediavault/telegram-media-archiver/transport"
)

// defaultMaxAttempts bounds transfer retries: one initial attempt plus two
// retries.
const defaultMaxAttempts = 3

// Config carries the engine's per-run settings.
type Config struct {
	// BaseDir is the root under which media subdirectories are created.
	BaseDir string
	// AllowedFormats gates audio, document and video downloads by file
	// format. A missing key or a leading "all" admits everything.
	AllowedFormats map[string][]string
	// Validate enables post-download size and signature checks.
	Validate bool
	// SkipDuplicates enables content-hash collapsing of re-downloads.
	SkipDuplicates bool
	// MaxAttempts overrides the retry budget when positive.
	MaxAttempts int
}

// Engine downloads attachments for one import run. Safe for concurrent
// Process calls.
type Engine struct {
	client transport.Client
	store  *archive.Store
	cfg    Config
	hashes *media.HashCache

	mu         sync.Mutex
	downloaded int
	skipped    int
	failed     []int64
}

// NewEngine returns an engine using client for transfers and store for
// pre-download archive lookups.
func NewEngine(client transport.Client, store *archive.Store, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Engine{
		client: client,
		store:  store,
		cfg:    cfg,
		hashes: media.NewHashCache(),
	}
}

// Process downloads a message's attachment if it has one, returning the
// final on-disk path. A skipped attachment (no media, disallowed format,
// already downloaded) returns an empty or existing path and nil error.
// A failed transfer records the message id for a later retry pass.
//
// A panic inside a single transfer is contained here so one broken
// attachment cannot take down the whole batch.
func (e *Engine) Process(ctx context.Context, chatID int64, msg *model.Message) (path string, err error) {
	if msg == nil || msg.Media == nil {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int64("message_id", msg.ID).
				Int64("chat_id", chatID).
				Msg("Recovered from panic during media transfer")
			e.recordFailure(msg.ID)
			path, err = "", fmt.Errorf("panic during transfer of message %d: %v", msg.ID, r)
		}
	}()
	att := msg.Media

	path, format := media.Resolve(att, e.cfg.BaseDir)
	if !media.FormatAllowed(att.Type, format, e.cfg.AllowedFormats) {
		log.Debug().
			Int64("message_id", msg.ID).
			Str("media_type", string(att.Type)).
			Str("format", format).
			Msg("Skipping attachment with disallowed format")
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}

	if existing, ok := e.alreadyDownloaded(chatID, att, path); ok {
		log.Debug().
			Int64("message_id", msg.ID).
			Str("path", existing).
			Msg("Attachment already downloaded, skipping transfer")
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		return existing, nil
	}

	// The target may exist but hold an unrelated or truncated file.
	if _, err := os.Stat(path); err == nil {
		path = media.NextAvailableName(path)
	}

	finalPath, err := e.transferWithRetry(ctx, chatID, msg, att, path)
	if err != nil {
		e.recordFailure(msg.ID)
		log.Warn().Err(err).
			Int64("chat_id", chatID).
			Int64("message_id", msg.ID).
			Str("media_type", string(att.Type)).
			Msg("Attachment download failed")
		return "", err
	}

	if e.cfg.SkipDuplicates {
		if survivor, err := media.CollapseDuplicate(finalPath, e.hashes); err == nil && survivor != finalPath {
			log.Debug().
				Int64("message_id", msg.ID).
				Str("duplicate_of", survivor).
				Msg("Collapsed duplicate download")
			finalPath = survivor
		}
	}

	e.mu.Lock()
	e.downloaded++
	e.mu.Unlock()
	return finalPath, nil
}

// alreadyDownloaded implements the pre-download short-circuit: a valid
// file at the resolved path, or an archive record with matching name and
// size whose file still exists, means the transfer can be skipped.
func (e *Engine) alreadyDownloaded(chatID int64, att *model.Attachment, path string) (string, bool) {
	if e.fileValid(path, att) {
		return path, true
	}
	if e.store != nil {
		if archived, ok := e.store.FindByNameAndSize(chatID, filepath.Base(path), att.Size); ok {
			return archived, true
		}
	}
	return "", false
}

func (e *Engine) fileValid(path string, att *model.Attachment) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return false
	}
	if !e.cfg.Validate {
		return true
	}
	return media.ValidateDownloadedFile(path, att.Type, att.Size, true)
}

// transferWithRetry runs the transfer under the classified retry policy:
// each failure's kind picks the pause before the next attempt, an expired
// media reference triggers a message re-resolve, and fatal kinds stop
// immediately.
func (e *Engine) transferWithRetry(ctx context.Context, chatID int64, msg *model.Message, att *model.Attachment, path string) (string, error) {
	policy := &classDelayBackOff{}
	attempt := 0

	operation := func() error {
		attempt++
		err := e.transferOnce(ctx, att, path)
		if err == nil {
			return nil
		}
		kind := Classify(err)
		if !kind.Retryable() {
			return backoff.Permanent(err)
		}
		policy.observe(kind)
		log.Debug().Err(err).
			Int64("message_id", msg.ID).
			Int("attempt", attempt).
			Str("failure_kind", kind.String()).
			Msg("Transfer attempt failed")

		if kind == KindExpiredReference {
			fresh, rerr := e.client.RefetchMessage(ctx, chatID, msg.ID)
			if rerr != nil {
				return backoff.Permanent(fmt.Errorf("failed to refresh media reference: %w", rerr))
			}
			if fresh == nil || fresh.Media == nil {
				return backoff.Permanent(errors.New("message no longer carries media"))
			}
			*att = *fresh.Media
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		// Invalid files are kept on disk so the operator can inspect
		// what came down the wire.
		if Classify(err) != KindInvalid {
			os.Remove(path)
		}
		return "", err
	}
	return path, nil
}

// transferOnce performs a single download attempt and validates the
// result. A file that fails validation is terminal for this run; no
// retry can fix a truncated or mislabeled payload.
func (e *Engine) transferOnce(ctx context.Context, att *model.Attachment, path string) error {
	progress := func(received, total int64) {
		log.Trace().
			Int32("file_id", att.ID).
			Int64("received", received).
			Int64("total", total).
			Msg("Transfer progress")
	}
	if err := e.client.TransferAttachment(ctx, att, path, progress); err != nil {
		os.Remove(path)
		return err
	}
	if e.cfg.Validate && !media.ValidateDownloadedFile(path, att.Type, att.Size, true) {
		return NewTransferError(KindInvalid, errors.New("downloaded file failed validation"))
	}
	return nil
}

func (e *Engine) recordFailure(id int64) {
	e.mu.Lock()
	e.failed = append(e.failed, id)
	e.mu.Unlock()
}

// Downloaded returns how many attachments were transferred this run.
func (e *Engine) Downloaded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downloaded
}

// Skipped returns how many attachments were skipped this run.
func (e *Engine) Skipped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped
}

// Failed returns the message ids whose downloads exhausted their retries,
// deduplicated and sorted, ready to be persisted for the next run.
func (e *Engine) Failed() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[int64]bool, len(e.failed))
	out := make([]int64, 0, len(e.failed))
	for _, id := range e.failed {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResetHashCache clears the per-run duplicate hash cache.
func (e *Engine) ResetHashCache() {
	e.hashes.Clear()
}
