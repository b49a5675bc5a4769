package hub

import (
	"sync/atomic"
	"time"
)

// metrics backs the control-plane /metrics and /stats responses.
// Every counter is a plain atomic int64: the hub has
// many concurrent socket goroutines incrementing these, so a mutex would
// be unnecessary contention for values that are only ever summed or read.
type metrics struct {
	connectionsTotal int64
	connectionsNow   int64
	messagesTotal    int64
	bytesIn          int64
	bytesOut         int64
	fileSaves        int64
	fileLoads        int64
	loadErrors       int64
	saveErrors       int64
	errors           int64
	startedAt        time.Time
	lastActivity     int64 // unix nanos, atomic
}

func newMetrics() *metrics {
	return &metrics{startedAt: time.Now(), lastActivity: time.Now().UnixNano()}
}

func (m *metrics) touch() { atomic.StoreInt64(&m.lastActivity, time.Now().UnixNano()) }

func (m *metrics) connectionOpened() {
	atomic.AddInt64(&m.connectionsTotal, 1)
	atomic.AddInt64(&m.connectionsNow, 1)
	m.touch()
}

func (m *metrics) connectionClosed() {
	atomic.AddInt64(&m.connectionsNow, -1)
	m.touch()
}

func (m *metrics) messageIn(n int) {
	atomic.AddInt64(&m.messagesTotal, 1)
	atomic.AddInt64(&m.bytesIn, int64(n))
	m.touch()
}

func (m *metrics) messageOut(n int) {
	atomic.AddInt64(&m.bytesOut, int64(n))
	m.touch()
}

func (m *metrics) fileSaved()   { atomic.AddInt64(&m.fileSaves, 1) }
func (m *metrics) fileLoaded()  { atomic.AddInt64(&m.fileLoads, 1) }
func (m *metrics) saveErrored() { atomic.AddInt64(&m.saveErrors, 1); m.incErrors() }
func (m *metrics) loadErrored() { atomic.AddInt64(&m.loadErrors, 1) }
func (m *metrics) incErrors()   { atomic.AddInt64(&m.errors, 1) }

func (m *metrics) uptimeSeconds() float64 { return time.Since(m.startedAt).Seconds() }

type snapshot struct {
	Uptime       float64   `json:"uptime"`
	Connections  connCount `json:"connections"`
	Messages     msgCount  `json:"messages"`
	Files        fileCount `json:"files"`
	Errors       int64     `json:"errors"`
	LastActivity time.Time `json:"lastActivity"`
}

type connCount struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

type msgCount struct {
	Total    int64 `json:"total"`
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

type fileCount struct {
	Saves int64 `json:"saves"`
	Loads int64 `json:"loads"`
}

func (m *metrics) snapshot() snapshot {
	return snapshot{
		Uptime: m.uptimeSeconds(),
		Connections: connCount{
			Total:  atomic.LoadInt64(&m.connectionsTotal),
			Active: atomic.LoadInt64(&m.connectionsNow),
		},
		Messages: msgCount{
			Total:    atomic.LoadInt64(&m.messagesTotal),
			BytesIn:  atomic.LoadInt64(&m.bytesIn),
			BytesOut: atomic.LoadInt64(&m.bytesOut),
		},
		Files: fileCount{
			Saves: atomic.LoadInt64(&m.fileSaves),
			Loads: atomic.LoadInt64(&m.fileLoads),
		},
		Errors:       atomic.LoadInt64(&m.errors),
		LastActivity: time.Unix(0, atomic.LoadInt64(&m.lastActivity)),
	}
}
