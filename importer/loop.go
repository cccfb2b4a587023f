// Package importer drives the per-conversation import loop: resume from
// the persisted cursor, fetch pages of history, fan downloads out, persist
// batches and checkpoint progress after every flush.
package importer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mediavault/telegram-media-archiver/archive"
	"github.com/mediavault/telegram-media-archiver/common"
	"github.com/mediavault/telegram-media-archiver/download"
	"github.com/mediavault/telegram-media-archiver/manifest"
	"github.com/mediavault/telegram-media-archiver/model"
	"github.com/mediavault/telegram-media-archiver/transport"
)

// ChatSummary reports one conversation's outcome for the run summary.
type ChatSummary struct {
	ChatID     int64
	Title      string
	Fetched    int
	Archived   int
	Downloaded int
	Skipped    int
	Failed     int
	Cursor     int64
}

// RunReport aggregates a whole run. RunUUID is the stable identifier
// carried on every log line of the run; RunID is the human-readable
// timestamp form.
type RunReport struct {
	RunID   string
	RunUUID string
	Chats   []ChatSummary
}

// Loop imports every configured conversation in sequence.
type Loop struct {
	client transport.Client
	store  *archive.Store
	states *common.ChatStateStore
	cfg    *common.ArchiverConfig
}

// NewLoop wires the import loop.
func NewLoop(client transport.Client, store *archive.Store, states *common.ChatStateStore, cfg *common.ArchiverConfig) *Loop {
	return &Loop{client: client, store: store, states: states, cfg: cfg}
}

// Run imports all configured conversations and refreshes the manifest and
// HTML index. A failing conversation is logged and skipped; the run
// continues with the next one.
func (l *Loop) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{RunID: common.GenerateRunID(), RunUUID: uuid.NewString()}
	log.Info().
		Str("run_id", report.RunID).
		Str("run_uuid", report.RunUUID).
		Int("chats", len(l.states.All())).
		Msg("Starting import run")

	idx := manifest.Load(l.store.HistoryPath())
	for _, chat := range l.states.All() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !chat.IsEnabled() {
			log.Debug().Int64("chat_id", chat.ID).Msg("Skipping disabled chat")
			continue
		}
		summary, err := l.ImportChat(ctx, chat.ID)
		if err != nil {
			log.Error().Err(err).Int64("chat_id", chat.ID).Msg("Chat import failed")
		}
		report.Chats = append(report.Chats, summary)

		manifest.Reconcile(idx, l.store, chat.ID, summary.Title)
		if err := idx.Save(l.store.HistoryPath()); err != nil {
			log.Error().Err(err).Msg("Failed to save manifest")
		}
	}

	// Archive files on disk from chats outside this run's configuration
	// still belong in the manifest.
	stray := false
	for _, id := range l.store.ListChatIDs() {
		if _, known := idx.Lookup(id); !known {
			manifest.Reconcile(idx, l.store, id, "")
			stray = true
		}
	}
	if stray {
		if err := idx.Save(l.store.HistoryPath()); err != nil {
			log.Error().Err(err).Msg("Failed to save manifest")
		}
	}

	if l.store.Format() == archive.FormatHTML {
		if err := WriteIndexPage(l.store, idx); err != nil {
			log.Error().Err(err).Msg("Failed to render HTML index")
		}
	}

	for _, c := range report.Chats {
		log.Info().
			Str("run_id", report.RunID).
			Int64("chat_id", c.ChatID).
			Str("title", c.Title).
			Int("fetched", c.Fetched).
			Int("archived", c.Archived).
			Int("downloaded", c.Downloaded).
			Int("skipped", c.Skipped).
			Int("failed", c.Failed).
			Int64("cursor", c.Cursor).
			Msg("Chat import summary")
	}
	return report, nil
}

// ImportChat runs one conversation through the phase machine: resume,
// then fetch/download/persist batches until the history is exhausted.
func (l *Loop) ImportChat(ctx context.Context, chatID int64) (ChatSummary, error) {
	summary := ChatSummary{ChatID: chatID}
	machine := newChatMachine(chatID)

	info, err := l.client.GetChat(ctx, chatID)
	if err != nil {
		return summary, fmt.Errorf("failed to resolve chat %d: %w", chatID, err)
	}
	summary.Title = info.Title
	if err := l.states.SetTitle(chatID, info.Title); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to persist chat title")
	}

	cursor, retryIDs := l.resume(chatID)
	summary.Cursor = cursor
	if err := machine.FireCtx(ctx, triggerResumed); err != nil {
		return summary, err
	}

	engine := download.NewEngine(l.client, l.store, download.Config{
		BaseDir:        l.cfg.BaseDir,
		AllowedFormats: l.cfg.AllowedFormats,
		Validate:       l.cfg.ValidateFiles,
		SkipDuplicates: l.cfg.SkipDuplicates,
	})

	// Messages that failed to download last run go first, before new
	// history is paged in.
	if len(retryIDs) > 0 {
		log.Info().
			Int64("chat_id", chatID).
			Int("ids", len(retryIDs)).
			Msg("Retrying previously failed downloads")
		msgs, err := l.client.FetchMessagesByID(ctx, chatID, retryIDs)
		if err != nil {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to fetch retry messages")
		} else if len(msgs) > 0 {
			if err := l.runBatch(ctx, machine, engine, chatID, info.Title, msgs, &summary, false); err != nil {
				return summary, err
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if l.cfg.MaxMessages > 0 && engine.Downloaded() >= l.cfg.MaxMessages {
			log.Info().
				Int64("chat_id", chatID).
				Int("downloaded", engine.Downloaded()).
				Msg("Per-chat download cap reached")
			break
		}

		msgs, err := l.client.FetchMessages(ctx, chatID, summary.Cursor, l.cfg.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("failed to fetch messages after %d: %w", summary.Cursor, err)
		}
		if len(msgs) == 0 {
			break
		}
		summary.Fetched += len(msgs)

		kept, advanceTo, stop := l.filterByDate(msgs)

		if len(kept) > 0 {
			if err := l.runBatch(ctx, machine, engine, chatID, info.Title, kept, &summary, true); err != nil {
				return summary, err
			}
		}
		if advanceTo > summary.Cursor {
			summary.Cursor = advanceTo
			if err := l.states.SetCursor(chatID, advanceTo); err != nil {
				log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to checkpoint cursor")
			}
		}
		if stop {
			break
		}
	}

	if err := machine.FireCtx(ctx, triggerExhausted); err != nil {
		return summary, err
	}

	failed := engine.Failed()
	summary.Downloaded = engine.Downloaded()
	summary.Skipped += engine.Skipped()
	summary.Failed = len(failed)
	if err := l.states.SetRetryIDs(chatID, failed); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to persist retry ids")
	}

	if l.store.Format() == archive.FormatHTML {
		if err := WriteChatPage(l.store, chatID, info.Title); err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to render chat page")
		}
	}
	return summary, nil
}

// resume loads the persisted cursor and retry list, resetting both when
// the conversation's archive file is missing or unusable. An anchor that
// cannot be trusted must not suppress a full re-import.
func (l *Loop) resume(chatID int64) (int64, []int64) {
	state, _ := l.states.Get(chatID)
	if state.LastMessageID == 0 && len(state.IDsToRetry) == 0 {
		return 0, nil
	}
	path, found := l.store.FindExisting(chatID)
	if !found || (l.cfg.ValidateArchives && !archive.ValidateArchiveFile(path, l.store.Format())) {
		if err := l.states.ResetCursor(chatID); err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to reset cursor")
		}
		return 0, nil
	}
	return state.LastMessageID, state.IDsToRetry
}

// runBatch takes one batch through the downloading and persisting phases.
// advanceMachine is false for the retry batch, which runs before the
// pagination cycle starts.
func (l *Loop) runBatch(ctx context.Context, machine machineLike, engine *download.Engine, chatID int64, title string, msgs []*model.Message, summary *ChatSummary, advanceMachine bool) error {
	if advanceMachine {
		if err := machine.FireCtx(ctx, triggerFetched); err != nil {
			return err
		}
	}
	files, gateSkipped := l.downloadBatch(ctx, engine, chatID, msgs)
	summary.Skipped += gateSkipped
	if advanceMachine {
		if err := machine.FireCtx(ctx, triggerDownload); err != nil {
			return err
		}
	}

	written, err := l.store.SaveBatch(msgs, chatID, title, files)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	if written {
		summary.Archived += len(msgs)
	}
	if advanceMachine {
		if err := machine.FireCtx(ctx, triggerPersisted); err != nil {
			return err
		}
	}
	return nil
}

// downloadBatch fans attachment downloads out across the configured
// concurrency. Download failures are recorded by the engine and never
// abort the batch; the messages still get archived without a file path.
func (l *Loop) downloadBatch(ctx context.Context, engine *download.Engine, chatID int64, msgs []*model.Message) (map[int64]string, int) {
	files := make(map[int64]string, len(msgs))
	gateSkipped := 0

	var mu sync.Mutex
	sem := semaphore.NewWeighted(int64(l.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, msg := range msgs {
		if msg.Media == nil {
			continue
		}
		if !l.wantsDownload(msg) {
			gateSkipped++
			continue
		}
		msg := msg
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			path, err := engine.Process(gctx, chatID, msg)
			if err != nil {
				return nil
			}
			if path != "" {
				mu.Lock()
				files[msg.ID] = path
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Download batch interrupted")
	}
	return files, gateSkipped
}

// wantsDownload applies the configured media-type, sender and size gates.
// Gated messages are archived without their attachment.
func (l *Loop) wantsDownload(msg *model.Message) bool {
	att := msg.Media
	if !l.cfg.WantsMediaType(string(att.Type)) {
		return false
	}
	if senders := l.cfg.Filters.SenderIDs; len(senders) > 0 {
		allowed := false
		for _, id := range senders {
			if id == msg.SenderID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if min := l.cfg.Filters.MinFileSize; min > 0 && att.Size < min {
		return false
	}
	if max := l.cfg.Filters.MaxFileSize; max > 0 && att.Size > max {
		return false
	}
	return true
}

// filterByDate applies the start/end date window to a fetched batch.
// Messages newer than the end date are skipped but still advance the
// cursor, so pagination keeps moving through them; the first message
// older than the start date terminates pagination for the chat.
func (l *Loop) filterByDate(msgs []*model.Message) (kept []*model.Message, advanceTo int64, stop bool) {
	start := l.cfg.StartDateTime()
	end := l.cfg.EndDateTime()

	for _, msg := range msgs {
		if !start.IsZero() && msg.Date.Before(start) {
			stop = true
			break
		}
		if msg.ID > advanceTo {
			advanceTo = msg.ID
		}
		if !end.IsZero() && msg.Date.After(end) {
			continue
		}
		kept = append(kept, msg)
	}
	return kept, advanceTo, stop
}
