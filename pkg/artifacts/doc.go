/*
Package artifacts manages dispatch output objects in S3.

Objects live under dispatches/{dispatch_id}/{filename} and carry
dispatch-id, uploaded-at and expires-at metadata stamps. Uploads of
5 MiB or more go through the explicit multipart path with abort on
failure. Download and upload access is granted exclusively through
presigned URLs. A daily retention sweep deletes objects older than the
configured window.
*/
package artifacts
