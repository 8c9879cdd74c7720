// Package mappermetrics exposes Prometheus metrics for the mapperd
// runtime: live object counts, message traffic, map FSM transitions, and
// per-link clock quality (spec.md §2 Network "~14%", §4.8 clock sync).
package mappermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "mapperd"
	subsystem = "runtime"
)

// Label names used across mapperd metrics.
const (
	labelPeerAddr  = "peer_addr"
	labelLocalAddr = "local_addr"
	labelDirection = "direction"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelPath      = "path"
)

// Collector holds every Prometheus metric the mapperd runtime publishes.
//
// Metrics are grouped by object lifecycle rather than by message type:
//   - Gauges track currently-known live objects (devices, links, maps).
//   - Counters track message traffic and map status transitions.
//   - A histogram tracks per-link clock offset/jitter quality.
type Collector struct {
	// Devices is the number of devices currently known to the graph
	// (local and discovered).
	Devices prometheus.Gauge

	// Links is the number of currently alive inter-device links.
	Links prometheus.Gauge

	// ActiveMaps is the number of maps currently in the Active status.
	ActiveMaps prometheus.Gauge

	// StagedMaps is the number of maps still negotiating (not yet Active).
	StagedMaps prometheus.Gauge

	// MessagesSent counts OSC messages transmitted, labeled by path.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts OSC messages received, labeled by path.
	MessagesReceived *prometheus.CounterVec

	// MessagesDropped counts messages dropped during parse or dispatch,
	// labeled by path (spec.md §7 ProtocolParse/TypeMismatch/LengthMismatch).
	MessagesDropped *prometheus.CounterVec

	// MapTransitions counts map status state-machine transitions
	// (staged/ready/active/expired), labeled by from/to state.
	MapTransitions *prometheus.CounterVec

	// LinkClockOffset observes the per-link clock offset estimate in
	// seconds each time a ping round trip updates it (spec.md §4.8).
	LinkClockOffset *prometheus.HistogramVec

	// LinkClockJitter observes the per-link clock jitter estimate in
	// seconds each time a ping round trip updates it (spec.md §4.8).
	LinkClockJitter *prometheus.HistogramVec
}

// NewCollector creates a Collector with every mapperd metric registered
// against reg. A nil reg registers against prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Devices,
		c.Links,
		c.ActiveMaps,
		c.StagedMaps,
		c.MessagesSent,
		c.MessagesReceived,
		c.MessagesDropped,
		c.MapTransitions,
		c.LinkClockOffset,
		c.LinkClockJitter,
	)

	return c
}

func newMetrics() *Collector {
	peerLabels := []string{labelPeerAddr, labelLocalAddr}
	pathLabels := []string{labelPath}
	transitionLabels := []string{labelFromState, labelToState}

	return &Collector{
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "devices",
			Help: "Number of devices currently known to the graph.",
		}),
		Links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "links",
			Help: "Number of currently alive inter-device links.",
		}),
		ActiveMaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "maps_active",
			Help: "Number of maps currently in the active status.",
		}),
		StagedMaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "maps_staged",
			Help: "Number of maps still negotiating toward active.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "messages_sent_total",
			Help: "Total OSC messages transmitted, by path.",
		}, pathLabels),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "messages_received_total",
			Help: "Total OSC messages received, by path.",
		}, pathLabels),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "messages_dropped_total",
			Help: "Total messages dropped during parse or dispatch, by path.",
		}, pathLabels),
		MapTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "map_transitions_total",
			Help: "Total map status state-machine transitions.",
		}, transitionLabels),
		LinkClockOffset: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "link_clock_offset_seconds",
			Help:    "Per-link clock offset estimate from ping round trips.",
			Buckets: prometheus.DefBuckets,
		}, peerLabels),
		LinkClockJitter: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "link_clock_jitter_seconds",
			Help:    "Per-link clock jitter estimate from ping round trips.",
			Buckets: prometheus.DefBuckets,
		}, peerLabels),
	}
}

// SetDevices sets the live device gauge.
func (c *Collector) SetDevices(n int) { c.Devices.Set(float64(n)) }

// SetLinks sets the live link gauge.
func (c *Collector) SetLinks(n int) { c.Links.Set(float64(n)) }

// SetMapCounts sets the active and staged map gauges together, since
// both change on every map status transition.
func (c *Collector) SetMapCounts(active, staged int) {
	c.ActiveMaps.Set(float64(active))
	c.StagedMaps.Set(float64(staged))
}

// IncMessagesSent increments the sent counter for path.
func (c *Collector) IncMessagesSent(path string) { c.MessagesSent.WithLabelValues(path).Inc() }

// IncMessagesReceived increments the received counter for path.
func (c *Collector) IncMessagesReceived(path string) { c.MessagesReceived.WithLabelValues(path).Inc() }

// IncMessagesDropped increments the dropped counter for path.
func (c *Collector) IncMessagesDropped(path string) { c.MessagesDropped.WithLabelValues(path).Inc() }

// RecordMapTransition increments the map-transition counter for a
// from->to status change.
func (c *Collector) RecordMapTransition(from, to string) {
	c.MapTransitions.WithLabelValues(from, to).Inc()
}

// ObserveLinkClock records a link's current offset/jitter estimate,
// labeled by the peer/local address pair (spec.md §4.8).
func (c *Collector) ObserveLinkClock(peerAddr, localAddr string, offsetSec, jitterSec float64) {
	c.LinkClockOffset.WithLabelValues(peerAddr, localAddr).Observe(offsetSec)
	c.LinkClockJitter.WithLabelValues(peerAddr, localAddr).Observe(jitterSec)
}
