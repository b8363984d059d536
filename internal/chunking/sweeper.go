package chunking

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pcollings/chunkrelay/pkg/types"
)

// Sweeper periodically marks sessions that sat in a non-terminal state
// beyond the inactivity window as ERROR (stale) and reclaims their
// staged bytes. Without it, orphaned partial uploads accumulate staged
// storage indefinitely.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	window   time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper over the given service
func NewSweeper(svc *Service, interval, window time.Duration) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		window:   window,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop
func (sw *Sweeper) Start() {
	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		log.Info().
			Dur("interval", sw.interval).
			Dur("window", sw.window).
			Msg("stale upload sweeper started")

		for {
			select {
			case <-sw.stop:
				return
			case <-ticker.C:
				if count, err := sw.SweepOnce(context.Background()); err != nil {
					log.Error().Err(err).Msg("sweep failed")
				} else if count > 0 {
					log.Info().Int("count", count).Msg("stale upload sessions swept")
				}
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit
func (sw *Sweeper) Stop() {
	close(sw.stop)
	<-sw.done
}

// SweepOnce finds sessions inactive beyond the window and marks each
// stale. Returns the number of sessions swept.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-sw.window)

	var trackingIDs []string
	err := sw.svc.DB.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("status IN ?", []types.UploadStatus{
			types.StatusInitializing,
			types.StatusUploading,
			types.StatusPaused,
			types.StatusProcessing,
		}).
		Where("last_modified < ?", cutoff).
		Pluck("tracking_id", &trackingIDs).Error
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, trackingID := range trackingIDs {
		if sw.sweepSession(ctx, trackingID, cutoff) {
			swept++
		}
	}
	return swept, nil
}

// sweepSession re-checks staleness under the session lock so a sweep
// never races an in-flight chunk accept
func (sw *Sweeper) sweepSession(ctx context.Context, trackingID string, cutoff time.Time) bool {
	sw.svc.locks.Lock(trackingID)
	defer sw.svc.locks.Unlock(trackingID)

	var session types.UploadSession
	if err := sw.svc.DB.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&session).Error; err != nil {
		return false
	}
	if session.Status.IsTerminal() || session.LastModified.After(cutoff) {
		return false
	}

	// Reclaim staged bytes as part of the sweep; a failed discard is
	// logged but does not keep the session alive.
	if err := sw.svc.Storage.DiscardParts(ctx, session.BlobPath); err != nil {
		log.Warn().Err(err).Str("tracking_id", trackingID).Msg("failed to discard staged parts during sweep")
	}

	log.Info().
		Str("tracking_id", trackingID).
		Time("last_modified", session.LastModified).
		Msg("marking stale upload session")

	sw.svc.markError(ctx, &session, "session exceeded inactivity window")
	return true
}
