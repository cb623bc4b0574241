// Package kernel implements the living-object kernel: the typed snapshot
// model, the event catalog, and the pure reducer that applies one event to a
// snapshot.
//
// ════════════════════════════════════════════════════════════════
// Determinism contract
// ════════════════════════════════════════════════════════════════
//
// Reduce is a value-in/value-out function. It never performs I/O, never reads
// clocks, and never consults global state. Every input it may depend on —
// including the event timestamp used for annotations — travels inside the
// Event value, so replaying the same event list from the empty snapshot
// always produces the same snapshot, and the canonical serialization of that
// snapshot is byte-identical across runs and hosts.
//
// Rejected events leave the input snapshot untouched and are reported through
// ReduceResult.Err; Reduce never panics on malformed input. Signal primitives
// (voice, escalate, batch.start, batch.end) pass through without mutating the
// snapshot and without advancing the sequence counter — the orchestrator
// observes them but never appends them to the event log.
package kernel
