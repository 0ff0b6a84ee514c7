// Package shutdown orders the teardown of an activitykit process.
//
// Handlers register into numbered phases. Lower phases run first and the
// handlers of one phase run concurrently, all sharing the shutdown deadline.
// A process that tracks activity typically registers:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("watcher", shutdown.PhaseSources, func(ctx context.Context) error {
//	    return w.Stop()
//	})
//	coord.RegisterFunc("tracker", shutdown.PhaseFlush, tr.Close)
//	coord.RegisterFunc("telemetry", shutdown.PhaseExporters, provider.Shutdown)
//	coord.HandleSignals()
//	<-coord.Done()
//
// Stopping sources before the flush phase means the final flush sees every
// heartbeat, and exporters stay up until that flush has been traced.
//
// When the deadline passes, remaining phases are skipped and Shutdown
// returns ErrTimeout. Handler failures are reported through
// ErrHandlerFailed, wrapping each handler's error.
package shutdown
