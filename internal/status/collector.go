package status

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

const namespace = "multitrack"

// Collector exports aggregator snapshots as Prometheus metrics.
type Collector struct {
	agg *Aggregator

	files     *prometheus.Desc
	bytes     *prometheus.Desc
	duration  *prometheus.Desc
	overflows *prometheus.Desc
	state     *prometheus.Desc
	amplitude *prometheus.Desc
}

// NewCollector returns a collector reading from agg.
func NewCollector(agg *Aggregator) *Collector {
	labels := []string{"device", "track"}
	return &Collector{
		agg: agg,
		files: prometheus.NewDesc(namespace+"_track_files_total",
			"Files opened for the track", labels, nil),
		bytes: prometheus.NewDesc(namespace+"_track_bytes_total",
			"Audio payload bytes written for the track", labels, nil),
		duration: prometheus.NewDesc(namespace+"_track_recorded_seconds_total",
			"Seconds of audio written for the track", labels, nil),
		overflows: prometheus.NewDesc(namespace+"_track_dropped_frames_total",
			"Frames dropped because the capture handoff queue was full", labels, nil),
		state: prometheus.NewDesc(namespace+"_track_state",
			"1 for the track's current state", append(labels, "state"), nil),
		amplitude: prometheus.NewDesc(namespace+"_track_amplitude",
			"Latest linear amplitude per channel", append(labels, "channel"), nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.files
	ch <- c.bytes
	ch <- c.duration
	ch <- c.overflows
	ch <- c.state
	ch <- c.amplitude
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, row := range c.agg.Snapshot().Rows {
		if row.Level != LevelTrack {
			continue
		}
		s := row.Status
		ch <- prometheus.MustNewConstMetric(c.files, prometheus.CounterValue, float64(s.Files), row.Device, row.Track)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.Bytes), row.Device, row.Track)
		ch <- prometheus.MustNewConstMetric(c.duration, prometheus.CounterValue, s.RecordedDuration.Seconds(), row.Device, row.Track)
		ch <- prometheus.MustNewConstMetric(c.overflows, prometheus.CounterValue, float64(s.Overflows), row.Device, row.Track)
		for _, st := range []types.ActiveState{types.StateActive, types.StateInactive, types.StateOffline, types.StateFailed} {
			v := 0.0
			if s.State == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, row.Device, row.Track, string(st))
		}
		for i, amp := range s.Amplitude {
			ch <- prometheus.MustNewConstMetric(c.amplitude, prometheus.GaugeValue, amp, row.Device, row.Track, strconv.Itoa(i+1))
		}
	}
}
