// Package metrics defines the prometheus collectors for the dispatch
// pipeline, warm pools, reconciler and HTTP API, and exposes the scrape
// handler mounted on the health listener.
package metrics
