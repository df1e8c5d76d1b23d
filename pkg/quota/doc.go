// Package quota enforces per-tenant concurrency caps by tier. The check is
// advisory by nature: the count and the create are not atomic, so a burst
// can briefly overshoot the cap. The warm pool's hard concurrency limit
// backstops it.
package quota
