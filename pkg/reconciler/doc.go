/*
Package reconciler applies task-stopped events to dispatch records.

The event stream is at-least-once and unordered, so the reconciler never
trusts an event alone: it re-reads the record, applies the transition under
the store's version guard, and treats an already-terminal record as a
duplicate delivery. Conflicts are retried a bounded number of times with
jitter; a conflict that persists means another writer won and the fresh read
will show a terminal record on the next attempt.
*/
package reconciler
