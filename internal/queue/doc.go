// Package queue persists vidforge jobs in SQLite.
//
// The job table is the single durable record of every processing request:
// its requested stage list, input and output references, lifecycle status,
// attempt count, and progress fields. The broker and the worker pool hold
// references to jobs but never own them; all status reads and writes flow
// through this store (via the lifecycle tracker) so a polling client always
// sees a consistent view.
package queue
