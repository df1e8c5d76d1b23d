/*
Package types defines the core data structures used throughout Outpost.

This package contains the fundamental types of the dispatch orchestration
domain: the Dispatch record and its lifecycle, warm-pool slots, inbound
task-terminated events, and the aggregate metric shapes shared by the fleet
health and status read paths.

# Lifecycle

A Dispatch moves through a fixed graph:

	PENDING -> RUNNING | CANCELLED | FAILED
	RUNNING -> COMPLETED | FAILED | TIMEOUT | CANCELLED

Terminal states are absorbing. Every accepted transition increments Version
by exactly one; the version field is the ordering primitive for the whole
system and the sole idempotency mechanism for at-least-once event delivery.

Types here are serialization-ready for both JSON (API) and DynamoDB
(dynamodbav tags). No type in this package holds a cross-store reference by
value; dispatches, slots and artifacts point at each other by identifier only.
*/
package types
