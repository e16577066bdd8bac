package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"complete", snap.Complete,
					"fatal", snap.Fatal,
					"sim_resets", snap.SimResets,
					"nack_retries", snap.NackRetries,
					"err_retries", snap.ErrRetries,
					"tx_bytes", snap.TxBytes,
					"rx_bytes", snap.RxBytes,
					"malformed", snap.Malformed,
					"diag_dropped", snap.DiagDropped,
					"errors", snap.Errors,
					"activity", snap.ActivityOn,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
