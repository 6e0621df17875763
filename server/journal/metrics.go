package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Journal metrics are labeled by journal ID since one node can host several
// journals on the same registry.
var (
	metricBatchesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumjournal",
		Name:      "batches_written",
		Help:      "batches_written counts the number of journal() batches accepted.",
	}, []string{"jid"})
	metricTxnsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumjournal",
		Name:      "txns_written",
		Help:      "txns_written counts the number of transactions accepted.",
	}, []string{"jid"})
	metricBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumjournal",
		Name:      "bytes_written",
		Help: "bytes_written counts the framed record bytes appended to" +
			" segment files, excluding directory metadata.",
	}, []string{"jid"})
	metricSegmentsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumjournal",
		Name:      "segments_finalized",
		Help:      "segments_finalized counts segments transitioned to finalized form.",
	}, []string{"jid"})
	metricRecoveriesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumjournal",
		Name:      "recoveries_accepted",
		Help:      "recoveries_accepted counts acceptRecovery calls that replaced a segment.",
	}, []string{"jid"})
	metricLastPromisedEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quorumjournal",
		Name:      "last_promised_epoch",
		Help:      "last_promised_epoch is the highest epoch this journal has promised.",
	}, []string{"jid"})
)

type journalMetrics struct {
	batchesWritten     prometheus.Counter
	txnsWritten        prometheus.Counter
	bytesWritten       prometheus.Counter
	segmentsFinalized  prometheus.Counter
	recoveriesAccepted prometheus.Counter
	lastPromisedEpoch  prometheus.Gauge
}

func newJournalMetrics(jid string) *journalMetrics {
	return &journalMetrics{
		batchesWritten:     metricBatchesWritten.WithLabelValues(jid),
		txnsWritten:        metricTxnsWritten.WithLabelValues(jid),
		bytesWritten:       metricBytesWritten.WithLabelValues(jid),
		segmentsFinalized:  metricSegmentsFinalized.WithLabelValues(jid),
		recoveriesAccepted: metricRecoveriesAccepted.WithLabelValues(jid),
		lastPromisedEpoch:  metricLastPromisedEpoch.WithLabelValues(jid),
	}
}
