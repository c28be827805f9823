/*
File: metrics.go
Version: 1.0.0
Description: Web client counters for sessions, rejections and transferred bytes.
*/

package webclient

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	sessionsStarted   = metrics.NewCounter("asyncnet_webclient_sessions_started_total")
	sessionsFailed    = metrics.NewCounter("asyncnet_webclient_sessions_failed_total")
	sessionsCancelled = metrics.NewCounter("asyncnet_webclient_sessions_cancelled_total")
	sessionsRejected  = metrics.NewCounter("asyncnet_webclient_sessions_rate_limited_total")
	bytesSent         = metrics.NewCounter("asyncnet_webclient_bytes_sent_total")
	bytesReceived     = metrics.NewCounter("asyncnet_webclient_bytes_received_total")
)

func sessionsCompleted(status int) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`asyncnet_webclient_sessions_completed_total{status="%d"}`, status))
}
