package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSubmission("buy", "limit")
		m.ObserveFill("executed")
		m.ObserveLedger("lock", nil)
		m.ObserveSettlement("success", time.Second)
		m.ObserveHTTP("/healthz", "GET", "200", time.Millisecond)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveLedger("lock", nil)
	m.ObserveLedger("lock", errors.New("boom"))
	m.ObserveLedger("lock", nil)
	m.ObserveFill("seller_insufficient_balance")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LedgerOperations.WithLabelValues("lock", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOperations.WithLabelValues("lock", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FillAttempts.WithLabelValues("seller_insufficient_balance")))
}
