package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// pruneBatchSize bounds how many records one archive object holds.
const pruneBatchSize = 500

// Archiver receives expired records before they are deleted. A failed
// archive aborts the prune so records are never lost.
type Archiver interface {
	Archive(ctx context.Context, records []*Record) error
}

// Pruner removes execution records past their retention, handing them to the
// archiver first when one is configured.
type Pruner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	archiver  Archiver

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPruner builds a pruner. archiver may be nil, in which case expired
// records are simply deleted.
func NewPruner(store *Store, retention, interval time.Duration, archiver Archiver) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  interval,
		archiver:  archiver,
	}
}

// Start begins the background prune loop.
func (p *Pruner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the prune loop. A prune in progress finishes first.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PruneOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to prune execution history")
				continue
			}
			if n > 0 {
				log.Info().Int64("records", n).Msg("Pruned execution history")
			}
		}
	}
}

// PruneOnce removes all records older than the retention cutoff and returns
// how many were deleted.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-p.retention)

	if p.archiver == nil {
		return p.store.DeleteOlderThan(ctx, cutoff)
	}

	var total int64
	for {
		batch, err := p.store.ListOlderThan(ctx, cutoff, pruneBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		if err := p.archiver.Archive(ctx, batch); err != nil {
			return total, fmt.Errorf("archiving before prune: %w", err)
		}

		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		n, err := p.store.DeleteBatch(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n

		if len(batch) < pruneBatchSize {
			return total, nil
		}
	}
}
