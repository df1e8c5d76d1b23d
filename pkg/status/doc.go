// Package status serves the dispatch read path: the stored record, a
// derived coarse progress figure, and paged container logs from CloudWatch
// Logs.
package status
