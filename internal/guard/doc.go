// Package guard provides a process-local, expiring per-user admission set that
// rejects a second concurrent request from the same user without queueing it.
package guard
