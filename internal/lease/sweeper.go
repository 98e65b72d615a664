package lease

import (
	"context"

	"pkt.systems/collabd/internal/svcfields"
)

// SweepFunc performs one reclaim pass and returns the reclaimed lock ids.
type SweepFunc func(ctx context.Context) ([]string, error)

// Start launches the background reclaim sweeper. A nil sweep runs
// ReclaimSweep directly. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context, sweep SweepFunc) {
	if sweep == nil {
		sweep = m.ReclaimSweep
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	m.sweepStop = stop
	logger := svcfields.WithSubsystem(m.logger, "lease.sweeper")
	ctx = context.WithoutCancel(ctx)
	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		logger.Debug("lease.sweeper.start", "interval", m.sweepInterval)
		for {
			select {
			case <-stop:
				return
			case <-m.clock.After(m.sweepInterval):
			}
			ids, err := sweep(ctx)
			if err != nil {
				logger.Warn("lease.sweeper.partial", "reclaimed", len(ids), "error", err)
				continue
			}
			if len(ids) > 0 {
				logger.Info("lease.sweeper.reclaimed", "count", len(ids))
			}
		}
	}()
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (m *Manager) Stop() {
	m.sweepMu.Lock()
	stop := m.sweepStop
	m.sweepStop = nil
	m.sweepMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	m.sweepWG.Wait()
}
