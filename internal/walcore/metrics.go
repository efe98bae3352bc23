// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package walcore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type walMetrics struct {
	bytesWritten          prometheus.Counter
	entriesWritten        prometheus.Counter
	appends               prometheus.Counter
	entryBytesRead        prometheus.Counter
	entriesRead           prometheus.Counter
	segmentRotations      prometheus.Counter
	corruptionsDetected   prometheus.Counter
	lastSegmentAgeSeconds prometheus.Gauge
}

func newWALMetrics(reg prometheus.Registerer) *walMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &walMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_wal_entry_bytes_written",
			Help: "entry_bytes_written counts the bytes of log entry body written," +
				" excluding frame headers and index blocks.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_wal_entries_written",
			Help: "entries_written counts the number of log entries appended.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_wal_appends_total",
			Help: "appends counts the number of successful calls to Append, i.e. the" +
				" number of batches appended.",
		}),
		entryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_wal_entry_bytes_read",
			Help: "entry_bytes_read counts the bytes of log entry body read back.",
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_wal_entries_read",
			Help: "entries_read counts the number of log entries read back successfully.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_wal_segment_rotations",
			Help: "segment_rotations counts how many times we moved to a new segment file.",
		}),
		corruptionsDetected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_wal_corruptions_detected",
			Help: "corruptions_detected counts frames that failed length/CRC validation.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chronicle_wal_last_segment_age_seconds",
			Help: "last_segment_age_seconds records how long the most recently sealed" +
				" segment was open for writes before rolling.",
		}),
	}
}
