/*
Package orchestrator is the write-side façade of the control plane.

Dispatch runs the accept path in a fixed order: validate, idempotent
replay lookup, quota, create PENDING, warm-slot checkout, container
launch, and the version-guarded PENDING→RUNNING transition. The last
step doubles as the cancellation race detector: a version conflict there
means the client cancelled while the launch was in flight, and the
orchestrator stops the task it just started.
*/
package orchestrator
