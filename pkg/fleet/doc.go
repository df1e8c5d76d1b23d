// Package fleet aggregates warm-pool occupancy, recent dispatch history,
// and host resource usage into a single health snapshot. Snapshots are
// cached for 30 seconds; callers tolerate that staleness in exchange for a
// cheap read path.
package fleet
