// Package errdefs defines the error taxonomy shared by every Outpost
// component. Core operations fail with a classified *Error; the HTTP layer
// maps the Kind to a status code and stable code string. Conflict errors
// from version-guarded updates carry both the expected and the stale
// current version so callers can re-read and decide whether to retry.
package errdefs
