// Package warmpool maintains per-agent pools of pre-provisioned task slots
// so dispatches skip container cold start when a slot is available. Slots
// are leased exclusively, returned clean or faulted, and reaped after an
// idle TTL.
package warmpool
