package pppmodem

import "sync/atomic"

// SessionMetrics contains atomic counters for a session.
type SessionMetrics struct {
	// PrepareCount is the number of preparation attempts.
	PrepareCount atomic.Uint64
	// PrepareErrCount is the number of failed preparation attempts.
	PrepareErrCount atomic.Uint64
	// LinkStartCount is the number of links created.
	LinkStartCount atomic.Uint64
	// LinkErrCount is the number of links torn down after an error status.
	LinkErrCount atomic.Uint64
	// PublishCount is the number of times the link was published.
	PublishCount atomic.Uint64
	// FreeRetryCount is the number of times freeing a link had to be retried.
	FreeRetryCount atomic.Uint64

	// RxBytes is the number of bytes moved from the transport to the link.
	RxBytes atomic.Uint64
	// TxBytes is the number of bytes moved from the link to the transport.
	TxBytes atomic.Uint64
}

// MetricsSnapshot is a plain copy of SessionMetrics.
type MetricsSnapshot struct {
	PrepareCount    uint64 `json:"prepare_count"`
	PrepareErrCount uint64 `json:"prepare_err_count"`
	LinkStartCount  uint64 `json:"link_start_count"`
	LinkErrCount    uint64 `json:"link_err_count"`
	PublishCount    uint64 `json:"publish_count"`
	FreeRetryCount  uint64 `json:"free_retry_count"`
	RxBytes         uint64 `json:"rx_bytes"`
	TxBytes         uint64 `json:"tx_bytes"`
}

// Snapshot copies the counters.
func (m *SessionMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PrepareCount:    m.PrepareCount.Load(),
		PrepareErrCount: m.PrepareErrCount.Load(),
		LinkStartCount:  m.LinkStartCount.Load(),
		LinkErrCount:    m.LinkErrCount.Load(),
		PublishCount:    m.PublishCount.Load(),
		FreeRetryCount:  m.FreeRetryCount.Load(),
		RxBytes:         m.RxBytes.Load(),
		TxBytes:         m.TxBytes.Load(),
	}
}

func (m *SessionMetrics) incPrepareCount() {
	m.PrepareCount.Add(1)
}

func (m *SessionMetrics) incPrepareErrCount() {
	m.PrepareErrCount.Add(1)
}

func (m *SessionMetrics) incLinkStartCount() {
	m.LinkStartCount.Add(1)
}

func (m *SessionMetrics) incLinkErrCount() {
	m.LinkErrCount.Add(1)
}

func (m *SessionMetrics) incPublishCount() {
	m.PublishCount.Add(1)
}

func (m *SessionMetrics) incFreeRetryCount() {
	m.FreeRetryCount.Add(1)
}

func (m *SessionMetrics) addRxBytes(n int) {
	m.RxBytes.Add(uint64(n))
}

func (m *SessionMetrics) addTxBytes(n int) {
	m.TxBytes.Add(uint64(n))
}
