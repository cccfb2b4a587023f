package importer

import (
	"context"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog/log"
)

// Import phases for one conversation. Each batch cycles through
// paginating, downloading and persisting until the history is exhausted.
const (
	stateResuming    = "resuming"
	statePaginating  = "paginating"
	stateDownloading = "downloading"
	statePersisting  = "persisting"
	stateDone        = "done"
)

const (
	triggerResumed   = "resumed"
	triggerFetched   = "fetched"
	triggerDownload  = "downloaded"
	triggerPersisted = "persisted"
	triggerExhausted = "exhausted"
)

// machineLike is the slice of the state machine the batch path uses.
type machineLike interface {
	FireCtx(ctx context.Context, trigger stateless.Trigger, args ...any) error
}

// newChatMachine builds the per-conversation phase machine. The machine
// enforces the phase order; the loop fires triggers as each phase
// completes.
func newChatMachine(chatID int64) *stateless.StateMachine {
	sm := stateless.NewStateMachine(stateResuming)

	sm.Configure(stateResuming).
		Permit(triggerResumed, statePaginating)

	sm.Configure(statePaginating).
		Permit(triggerFetched, stateDownloading).
		Permit(triggerExhausted, stateDone)

	sm.Configure(stateDownloading).
		Permit(triggerDownload, statePersisting)

	sm.Configure(statePersisting).
		Permit(triggerPersisted, statePaginating).
		Permit(triggerExhausted, stateDone)

	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		log.Debug().
			Int64("chat_id", chatID).
			Interface("from", t.Source).
			Interface("to", t.Destination).
			Msg("Import phase transition")
	})
	return sm
}
