// Package bus provides message bus clients used to move heartbeats between
// processes.
//
// The MessageBus interface covers pub/sub and request/reply over NATS or an
// in-memory backend. All implementations use channel-based APIs.
//
// # Available Implementations
//
//   - NATSBus: NATS-backed messaging for collectors on other hosts
//   - MemoryBus: In-memory implementation for tests and single-process use
//
// # Patterns
//
// Request/Reply carries heartbeat batches; the reply is the delivery ack:
//
//	// Collector
//	sub, _ := b.QueueSubscribe(bus.HeartbeatSubject, bus.CollectorQueue)
//	for msg := range sub.Messages() {
//	    b.Publish(msg.Reply, ack)
//	}
//
//	// Emitter side
//	reply, err := b.Request(ctx, bus.HeartbeatSubject, batch)
//
// Queue groups spread batches across collector instances: each request is
// handled by exactly one member of the group.
package bus
