/*
Package store implements the dispatch record store.

The Store interface is the only write path for dispatch lifecycle
transitions. Every transition is a single conditional write guarded by the
record's version; a caller that sees a Conflict must re-read the record and
decide whether the transition is still meaningful. This property makes
at-least-once event processing idempotent without any cross-component lock.

Two implementations are provided:

  - DynamoStore: production. Primary table keyed by dispatch_id with GSIs on
    (user_id, started_at) for listing and task_arn for the event-fallback
    lookup; a separate idempotency table keyed by "{user_id}#{key}" with a
    24-hour TTL attribute. Record retention rides on a 90-day TTL attribute.
  - MemoryStore: tests and local development, same semantics.

The idempotency-map write during Create is best-effort by default: a failed
write logs a warning and the create succeeds, trading replay protection for
availability. Strict mode reverses the trade.
*/
package store
