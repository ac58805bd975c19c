package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

// DefaultRecorderBuffer bounds how many execution events can be queued for
// persistence before new ones are dropped.
const DefaultRecorderBuffer = 256

// Recorder consumes engine execution events and writes them to the store in
// the background. Hook execution never waits on the database; when the buffer
// is full the event is dropped with a warning.
type Recorder struct {
	store  *Store
	events chan hooks.ExecutionEvent

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRecorder starts the background writer.
func NewRecorder(store *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		store:  store,
		events: make(chan hooks.ExecutionEvent, buffer),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// HookExecuted implements hooks.Observer.
func (r *Recorder) HookExecuted(ev hooks.ExecutionEvent) {
	select {
	case r.events <- ev:
	default:
		log.Warn().
			Str("hook", ev.Result.HookName).
			Msg("History buffer full, dropping execution record")
	}
}

// Close drains queued events and stops the writer. Call it after the engine
// has shut down so every event is already enqueued.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.insert(ev)
		case <-r.done:
			for {
				select {
				case ev := <-r.events:
					r.insert(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(ev hooks.ExecutionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &Record{
		ID:           uuid.New().String(),
		BatchID:      ev.BatchID,
		HookName:     ev.Result.HookName,
		Source:       ev.Source,
		Status:       ev.Result.Status(),
		Success:      ev.Result.Success,
		Duration:     ev.Result.Duration,
		Output:       ev.Result.Output,
		Error:        ev.Result.Error,
		ExitCode:     ev.Result.ExitCode,
		Retries:      ev.Result.Retries,
		Cached:       ev.Result.Cached,
		Skipped:      ev.Result.Skipped,
		FallbackUsed: ev.Result.FallbackUsed,
		StartedAt:    ev.StartedAt,
		FinishedAt:   ev.FinishedAt,
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		log.Error().Err(err).Str("hook", rec.HookName).Msg("Failed to record execution")
	}
}
