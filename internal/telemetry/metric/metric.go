// Package metric provides Prometheus metrics for PartyMesh.
//
// All metrics live under the "partymesh" namespace and are registered on
// a private registry so tests can run side by side.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all directory-server metrics.
type Registry struct {
	reg *prometheus.Registry

	// Connection metrics.
	WorldsConnected prometheus.Gauge

	// Party metrics.
	PartiesLive    prometheus.Gauge
	InvitesPending prometheus.Gauge
	MembersJoined  prometheus.Counter
	MembersLeft    prometheus.Counter

	// Booking metrics.
	BookingAdsLive  prometheus.Gauge
	BookingExpired  prometheus.Counter
	BookingSearches prometheus.Counter

	// Wire metrics by message kind.
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec

	// Operation outcomes by error code ("ok" for success).
	Operations *prometheus.CounterVec
}

// NewRegistry creates and registers all metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		WorldsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "partymesh", Subsystem: "server",
			Name: "worlds_connected",
			Help: "Number of world processes currently connected.",
		}),
		PartiesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "partymesh", Subsystem: "directory",
			Name: "parties_live",
			Help: "Number of live parties.",
		}),
		InvitesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "partymesh", Subsystem: "directory",
			Name: "invites_pending",
			Help: "Number of unanswered invitations.",
		}),
		MembersJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partymesh", Subsystem: "directory",
			Name: "members_joined_total",
			Help: "Total members that joined a party.",
		}),
		MembersLeft: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partymesh", Subsystem: "directory",
			Name: "members_left_total",
			Help: "Total members that left or were removed from a party.",
		}),
		BookingAdsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "partymesh", Subsystem: "booking",
			Name: "ads_live",
			Help: "Number of advertisements currently registered.",
		}),
		BookingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partymesh", Subsystem: "booking",
			Name: "ads_expired_total",
			Help: "Total advertisements removed by the expiry sweep.",
		}),
		BookingSearches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "partymesh", Subsystem: "booking",
			Name: "searches_total",
			Help: "Total booking searches served.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partymesh", Subsystem: "wire",
			Name: "messages_received_total",
			Help: "Frames received, by message kind.",
		}, []string{"kind"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partymesh", Subsystem: "wire",
			Name: "messages_sent_total",
			Help: "Frames sent, by message kind.",
		}, []string{"kind"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partymesh", Subsystem: "directory",
			Name: "operations_total",
			Help: "Directory operations, by outcome code.",
		}, []string{"op", "code"}),
	}

	reg.MustRegister(
		r.WorldsConnected,
		r.PartiesLive,
		r.InvitesPending,
		r.MembersJoined,
		r.MembersLeft,
		r.BookingAdsLive,
		r.BookingExpired,
		r.BookingSearches,
		r.MessagesReceived,
		r.MessagesSent,
		r.Operations,
	)
	return r
}

// Handler returns the scrape endpoint handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
