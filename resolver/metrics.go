/*
File: metrics.go
Version: 1.0.0
Description: Resolver counters for lookups, queries, timeouts and dropped datagrams.
*/

package resolver

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	lookupsStarted   = metrics.NewCounter("asyncnet_resolver_lookups_started_total")
	lookupsCancelled = metrics.NewCounter("asyncnet_resolver_lookups_cancelled_total")
	queriesSent      = metrics.NewCounter("asyncnet_resolver_queries_sent_total")
	queryTimeouts    = metrics.NewCounter("asyncnet_resolver_query_timeouts_total")
	datagramsDropped = metrics.NewCounter("asyncnet_resolver_datagrams_dropped_total")
)

func lookupsCompleted(s Status) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`asyncnet_resolver_lookups_completed_total{status=%q}`, s.String()))
}
