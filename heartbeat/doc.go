// Package heartbeat buffers editor activity records and delivers them to a
// time-tracking service in batches.
//
// # Overview
//
// A Heartbeat is one observation: which entity (usually a file) was active,
// when, and enrichment such as project, branch, language and dependencies.
// The Emitter collects heartbeats and hands them to a Sink either when
// MaxBufferSize is reached or every FlushInterval. A failed batch goes back
// to the front of the buffer, so the sink always sees heartbeats in the
// order they were recorded and nothing is delivered twice by the emitter.
//
//	Record ──► buffer ──(full / tick)──► Flush ──► Sink
//	              ▲                        │
//	              └──────── on failure ────┘
//
// # Usage
//
//	emitter, _ := heartbeat.NewEmitter(heartbeat.DefaultConfig(), client,
//	    heartbeat.WithMetrics(metrics),
//	    heartbeat.WithDeadLetter(store),
//	)
//	emitter.Start(ctx)
//	defer emitter.Dispose(context.Background())
//
//	emitter.Record(heartbeat.New("/src/main.go", time.Now()))
//
// # Sinks
//
//   - wakatime.Client: the WakaTime compatible HTTP API
//   - BusSink: request/reply over a bus.MessageBus, answered by a Collector
//   - FileSink: JSON lines on disk
//   - MemorySink: in-memory, for tests
//
// # Failure handling
//
// After a failed flush, capacity-triggered flushes pause for an exponential
// backoff; the periodic flush still retries on every tick. The buffer has a
// hard ceiling: beyond it the oldest heartbeats are evicted and, when a
// DeadLetter is configured, parked there. Batches the remote rejects as
// malformed (INVALID_INPUT) are parked instead of retried.
package heartbeat
