package client

import (
	"sort"
	"sync"
)

// Pool shares one Connection per shell among any number of consumers. Each
// consumer holds a Lease; the Connection is closed when the last Lease is
// released.
type Pool struct {
	base Options

	mu      sync.Mutex
	entries map[int64]*poolEntry
}

type poolEntry struct {
	conn      *Connection
	refs      int
	nextID    uint64
	listeners map[uint64]Handlers
}

// NewPool returns a Pool whose connections are built from base. ShellID,
// Cols, Rows and Handlers in base are ignored.
func NewPool(base Options) *Pool {
	return &Pool{base: base, entries: make(map[int64]*poolEntry)}
}

// Acquire returns a Lease on the shared connection for shellID, creating it
// with cols×rows if none exists. A consumer joining an established
// connection is told the current status, and OnReady if it is connected.
func (p *Pool) Acquire(shellID int64, cols, rows uint16, h Handlers) *Lease {
	p.mu.Lock()
	e, ok := p.entries[shellID]
	if !ok {
		e = &poolEntry{listeners: make(map[uint64]Handlers)}
		p.entries[shellID] = e
	}
	e.nextID++
	id := e.nextID
	e.listeners[id] = h
	e.refs++
	lease := &Lease{pool: p, shellID: shellID, id: id, entry: e}

	if ok {
		conn := e.conn
		p.mu.Unlock()
		status := conn.Status()
		if h.OnStatus != nil {
			h.OnStatus(status)
		}
		if status == StatusConnected && h.OnReady != nil {
			h.OnReady()
		}
		return lease
	}

	opts := p.base
	opts.ShellID = shellID
	opts.Cols = cols
	opts.Rows = rows
	opts.Handlers = p.fanOut(e)
	// Construction may dial; the entry is published first so concurrent
	// Acquires for the same shell share it.
	e.conn = newIdle(opts)
	p.mu.Unlock()
	e.conn.start()
	return lease
}

// Len returns the number of shells with a live shared connection.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close releases every connection regardless of outstanding leases.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[int64]*poolEntry)
	p.mu.Unlock()
	for _, e := range entries {
		e.conn.Close()
	}
}

// listenersOf returns a snapshot of e's handlers in acquisition order.
func (p *Pool) listenersOf(e *poolEntry) []Handlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handlers, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.listeners[id])
	}
	return out
}

func (p *Pool) fanOut(e *poolEntry) Handlers {
	return Handlers{
		OnData: func(data []byte) {
			for _, h := range p.listenersOf(e) {
				if h.OnData != nil {
					h.OnData(data)
				}
			}
		},
		OnExit: func(code int) {
			for _, h := range p.listenersOf(e) {
				if h.OnExit != nil {
					h.OnExit(code)
				}
			}
		},
		OnReady: func() {
			for _, h := range p.listenersOf(e) {
				if h.OnReady != nil {
					h.OnReady()
				}
			}
		},
		OnStatus: func(s Status) {
			for _, h := range p.listenersOf(e) {
				if h.OnStatus != nil {
					h.OnStatus(s)
				}
			}
		},
	}
}

// Lease is one consumer's handle on a shared connection.
type Lease struct {
	pool    *Pool
	shellID int64
	id      uint64
	entry   *poolEntry
	once    sync.Once
}

func (l *Lease) ShellID() int64 { return l.shellID }

func (l *Lease) Status() Status { return l.entry.conn.Status() }

func (l *Lease) SendInput(data []byte) { l.entry.conn.SendInput(data) }

func (l *Lease) SendResize(cols, rows uint16) { l.entry.conn.SendResize(cols, rows) }

func (l *Lease) Reconnect() { l.entry.conn.Reconnect() }

func (l *Lease) SetVisible(visible bool) { l.entry.conn.SetVisible(visible) }

// SetHandlers replaces this consumer's handlers only.
func (l *Lease) SetHandlers(h Handlers) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if _, ok := l.entry.listeners[l.id]; ok {
		l.entry.listeners[l.id] = h
	}
}

// Release drops this consumer. The last release closes the connection.
// Further calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		delete(l.entry.listeners, l.id)
		l.entry.refs--
		last := l.entry.refs == 0
		if last && p.entries[l.shellID] == l.entry {
			delete(p.entries, l.shellID)
		}
		p.mu.Unlock()
		if last {
			l.entry.conn.Close()
		}
	})
}
