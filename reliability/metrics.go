package reliability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cachedSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meshwire_reliability_cached_samples_total",
	Help: "counter of samples cached for replay, by cache publication key expression",
}, []string{"key_expr"})

var evictedSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meshwire_reliability_evicted_samples_total",
	Help: "counter of samples evicted from full per-key histories, by cache publication key expression",
}, []string{"key_expr"})

var refusedSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meshwire_reliability_refused_samples_total",
	Help: "counter of samples refused because the resources limit was reached, by cache publication key expression",
}, []string{"key_expr"})

var queryRepliesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meshwire_reliability_query_replies_total",
	Help: "counter of replay samples sent in reply to cache queries",
})

var queryReplyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meshwire_reliability_query_reply_errors_total",
	Help: "counter of cache query replies which failed to send",
})
