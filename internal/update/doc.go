// Package update drives deployment updates as an explicit state machine:
// Idle -> Checking -> Downloading -> Ready -> Activating -> Idle.
//
// Each cycle loads the manifest, compares its hash with the Active
// generation, and when it differs pre-fetches every required asset into a
// new Building generation through a bounded pool of retrying HTTP fetches.
// Any failure discards the half-built generation and leaves the Active one
// serving. A successful promotion parks the coordinator in Ready until the
// next session boundary, so open sessions are never switched mid-session.
// Every transition is recorded and published to subscribers so tests and
// the diagnostics endpoint can observe the machine directly.
package update
