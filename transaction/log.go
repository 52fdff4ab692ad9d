// Package transaction implements transaction intake (spec §4.6, C6): the
// per-transaction-id exactly-once dispatcher and the extraction algorithm
// that demultiplexes a pushed transaction into per-device sync work and
// per-event handler work.
package transaction

import (
	"context"
	"sync"
)

// Response is the HTTP-shape result of processing one transaction: the
// status code and JSON body the server surface (C8) must write back.
type Response struct {
	Status int
	Body   any
}

type cell struct {
	done chan struct{}
	resp Response
}

// Log is the single-shot cell described in spec §3 TransactionLog entry:
// for any transaction id, the processing closure runs at most once across
// the process lifetime; concurrent and later requests observe the cached
// response (spec property 1).
type Log struct {
	mu    sync.Mutex
	cells map[string]*cell
}

// NewLog constructs an empty transaction log.
func NewLog() *Log {
	return &Log{cells: make(map[string]*cell)}
}

// Do runs fn at most once for txnID. Concurrent and subsequent calls for
// the same id block until the first call's fn returns, then observe its
// result without invoking fn again.
func (l *Log) Do(ctx context.Context, txnID string, fn func(context.Context) Response) Response {
	l.mu.Lock()
	if c, ok := l.cells[txnID]; ok {
		l.mu.Unlock()
		<-c.done
		return c.resp
	}
	c := &cell{done: make(chan struct{})}
	l.cells[txnID] = c
	l.mu.Unlock()

	c.resp = fn(ctx)
	close(c.done)
	return c.resp
}
