/*
Package events moves task-state-change notifications from the queue into
the process.

The Consumer long-polls SQS, decodes each payload into a task-stopped
event, and publishes it on the Broker; interested components subscribe.
Acknowledgement is explicit: the queue message is deleted only when a
subscriber calls the event's Ack, so an unprocessed event is redelivered
after the visibility timeout. Delivery is therefore at-least-once, which
downstream consumers absorb with version-guarded writes.
*/
package events
