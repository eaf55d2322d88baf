package network

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// startMonitor logs the published snapshot every monitor period. It only
// reads snapshots, never the live image.
func (network *Network) startMonitor() {
	period := network.cfg.Monitor.Period
	if period <= 0 || network.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	network.monitorCancel = cancel
	m := network.master
	logger := network.logger.WithField("service", "[MONITOR]")
	network.wgMonitor.Add(1)
	go func() {
		defer network.wgMonitor.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := m.Snapshot()
				states := make([]string, len(snap.States))
				for i, s := range snap.States {
					states[i] = s.String()
				}
				logger.WithFields(log.Fields{
					"seq":    snap.Seq,
					"ticks":  snap.Seq - last,
					"wkc":    snap.WKC,
					"dc":     time.Duration(snap.DCTime),
					"states": states,
				}).Info("cyclic status")
				last = snap.Seq
			}
		}
	}()
}

func (network *Network) stopMonitor() {
	if network.monitorCancel == nil {
		return
	}
	network.monitorCancel()
	network.wgMonitor.Wait()
	network.monitorCancel = nil
}
