// Package workers hosts the background sync loop that drains queued
// offline writes once connectivity returns.
package workers

import (
	"context"
	"log"
	"time"

	"centumAPI/internal/connectivity"
)

const DefaultSweepInterval = 5 * time.Minute

// PendingFlusher is the slice of the challenge service the worker drives.
type PendingFlusher interface {
	SessionUserIDs() []string
	FlushPending(ctx context.Context, userID string) error
}

// StartSyncWorker flushes every live session's pending writes whenever the
// monitor reports the connection coming back, plus a slow periodic sweep
// to catch writes queued while already online. Runs until ctx is cancelled.
func StartSyncWorker(ctx context.Context, svc PendingFlusher, monitor *connectivity.Monitor, sweep time.Duration) {
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}

	transitions, cancel := monitor.Subscribe()

	go func() {
		defer cancel()
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case online := <-transitions:
				if online {
					log.Println("SyncWorker: back online, flushing pending writes")
					flushAll(ctx, svc)
				}
			case <-ticker.C:
				if monitor.Online() {
					flushAll(ctx, svc)
				}
			}
		}
	}()
}

func flushAll(ctx context.Context, svc PendingFlusher) {
	for _, userID := range svc.SessionUserIDs() {
		if err := svc.FlushPending(ctx, userID); err != nil {
			log.Printf("SyncWorker: flush for %s failed: %v", userID, err)
		}
	}
}
