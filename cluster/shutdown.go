package cluster

import (
	"context"
	"fmt"

	"github.com/drover-io/drover/coord"
	"github.com/drover-io/drover/internal/workdir"
	"golang.org/x/sync/errgroup"
)

// Stop shuts the launcher down: it broadcasts the shutdown request to the
// cluster controller, stops auxiliary services with a bounded wait,
// disconnects from the coordination service, and always finishes by removing
// the cluster working directory when an id was assigned. Steps keep executing
// after a failure; the aggregate is returned as a ShutdownReport.
//
// Stop is idempotent and safe to call from a signal handler concurrently with
// normal exit; the steps execute at most once per process lifetime.
func (l *Launcher) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		l.stopErr = l.doStop(ctx)
	})
	return l.stopErr
}

func (l *Launcher) doStop(ctx context.Context) error {
	l.log.Info("stopping the cluster launcher")

	if err := l.life.transition(StateShuttingDown); err != nil {
		// Already stopped or stopping; nothing to unwind.
		l.log.Debugf("shutdown transition: %s", err)
		return nil
	}

	report := &ShutdownReport{}
	ident := l.Identity()

	defer func() {
		if ident.ID != "" {
			dir := workdir.Path(l.workDirRoot, ident.Name, ident.ID)
			l.log.Infow("cleaning up cluster working directory", "dir", dir)
			if err := workdir.Cleanup(l.workDirRoot, ident.Name, ident.ID); err != nil {
				// Best-effort teardown; log and move on.
				l.log.Errorw("failed to clean up working directory", "dir", dir, "error", err)
			}
		}
		if err := l.life.transition(StateStopped); err != nil {
			l.log.Debugf("stop transition: %s", err)
		}
	}()

	if ident.ID != "" {
		l.broadcastShutdown(ctx, report)
	}

	l.stopAuxiliaries(ctx, report)

	if l.coord.IsConnected() {
		if err := l.coord.Disconnect(); err != nil {
			report.record("coordination-disconnect", err)
		}
	}

	return report.errOrNil()
}

// broadcastShutdown asks the cluster controller to shut down and release its
// resources. Delivery is best-effort; zero recipients is logged, not failed.
func (l *Launcher) broadcastShutdown(ctx context.Context, report *ShutdownReport) {
	msg := coord.NewShutdownMessage()
	n, err := l.coord.Send(ctx, coord.ControllerCriteria(), msg)
	if err != nil {
		report.record("shutdown-broadcast", err)
		return
	}
	if n == 0 {
		l.log.Errorw("no controller acknowledged the shutdown request", "correlationID", msg.CorrelationID)
		return
	}
	l.log.Infow("sent shutdown request", "recipients", n, "correlationID", msg.CorrelationID)
}

// stopAuxiliaries stops every auxiliary service that was started, bounded by
// the halt timeout.
func (l *Launcher) stopAuxiliaries(ctx context.Context, report *ShutdownReport) {
	l.mut.Lock()
	services := append([]Service{}, l.auxStarted...)
	l.mut.Unlock()
	if len(services) == 0 {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, l.haltTimeout)
	defer cancel()

	var group errgroup.Group
	for _, svc := range services {
		svc := svc
		group.Go(func() error {
			if err := svc.Stop(stopCtx); err != nil {
				return fmt.Errorf("stopping %s: %w", svc.Name(), err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		report.record("auxiliary-stop", err)
	}
}
