package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"copytrader/internal/exchange"
)

const streamRescan = time.Minute

// fillBook caches the latest execution report per (subscriber, symbol) from
// the venue fill streams. External-close settlement consults it so a position
// closed on the venue is booked at its actual fill instead of the mark.
type fillBook struct {
	mu    sync.Mutex
	fills map[fillKey]exchange.FillEvent
}

type fillKey struct {
	subscriberID int64
	symbol       string
}

func newFillBook() *fillBook {
	return &fillBook{fills: make(map[fillKey]exchange.FillEvent)}
}

func (b *fillBook) record(subscriberID int64, ev exchange.FillEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fills[fillKey{subscriberID, ev.Symbol}] = ev
}

// take removes and returns the cached fill for the pair
func (b *fillBook) take(subscriberID int64, symbol string) (exchange.FillEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := fillKey{subscriberID, symbol}
	ev, ok := b.fills[k]
	if ok {
		delete(b.fills, k)
	}
	return ev, ok
}

// RunFillStreams keeps one execution-report stream open per approved
// credential on venues that support it, feeding the fill book. New or
// re-approved credentials are picked up on the next rescan. Blocks until the
// context is canceled.
func (s *Supervisor) RunFillStreams(ctx context.Context) {
	var mu sync.Mutex
	running := make(map[int64]bool)

	t := time.NewTicker(streamRescan)
	defer t.Stop()
	for {
		s.startFillStreams(ctx, &mu, running)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) startFillStreams(ctx context.Context, mu *sync.Mutex, running map[int64]bool) {
	subs, err := s.db.GetActiveSubscribers()
	if err != nil {
		log.Warn().Err(err).Msg("fill stream scan failed")
		return
	}
	for _, sub := range subs {
		creds, err := s.db.GetApprovedCredentials(sub.ID)
		if err != nil {
			log.Warn().Err(err).Int64("subscriber", sub.ID).Msg("fill stream credential scan failed")
			continue
		}
		for _, row := range creds {
			streamer, ok := s.registry.Get(row.Exchange).(exchange.FillStreamer)
			if !ok {
				continue
			}

			mu.Lock()
			if running[row.ID] {
				mu.Unlock()
				continue
			}
			running[row.ID] = true
			mu.Unlock()

			subID := sub.ID
			row := row
			go func() {
				defer func() {
					mu.Lock()
					delete(running, row.ID)
					mu.Unlock()
				}()
				opened, oerr := s.vault.Open(row)
				if oerr != nil {
					log.Warn().Err(oerr).Int64("credential", row.ID).Msg("fill stream open failed")
					return
				}
				events := make(chan exchange.FillEvent, 16)
				drained := make(chan struct{})
				go func() {
					for ev := range events {
						s.fills.record(subID, ev)
					}
					close(drained)
				}()
				serr := streamer.StreamFills(ctx, opened, events)
				close(events)
				<-drained
				if serr != nil && ctx.Err() == nil {
					log.Warn().Err(serr).Int64("credential", row.ID).Msg("fill stream ended")
				}
			}()
		}
	}
}
