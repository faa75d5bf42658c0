package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sweeper periodically auto-completes claimed escrows whose 24h window has
// passed. Auto-completion needs no privilege, so running it server-side is
// a convenience for sellers, not an authority.
type Sweeper struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper that runs at the given interval.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		service:  service,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.service.Window())
	candidates, err := s.service.store.ListClaimedBefore(ctx, cutoff, 100)
	if err != nil {
		s.logger.Error("auto-complete sweep query failed", "error", err)
		return
	}

	for _, e := range candidates {
		if _, err := s.service.AutoComplete(ctx, e.ID); err != nil {
			// Losing a race to the buyer's own confirmation is normal.
			if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrConcurrentModification) {
				continue
			}
			s.logger.Warn("auto-complete failed", "escrowId", e.ID, "error", err)
			continue
		}
		s.logger.Info("escrow auto-completed after claim window",
			"escrowId", e.ID, "seller", e.Seller)
	}
}
