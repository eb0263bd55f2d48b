package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsToolInvocationsSucceeded is a counter metric for total tool invocations succeeded
	StatsToolInvocationsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_invocations_succeeded",
		Help:         "stats_tool_invocations_succeeded provides total tool invocations succeeded",
		RequiredTags: []string{"capability"},
	}

	StatsToolInvocationsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_invocations_failed",
		Help:         "stats_tool_invocations_failed provides total tool invocations failed",
		RequiredTags: []string{"capability", "error_kind"},
	}

	StatsToolInvocationsRetried = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_invocations_retried",
		Help:         "stats_tool_invocations_retried provides total tool invocation attempts retried",
		RequiredTags: []string{"capability"},
	}

	StatsToolInvocationsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_invocations_not_found",
		Help:         "stats_tool_invocations_not_found provides total invocations of unknown or disabled capabilities",
		RequiredTags: []string{"capability"},
	}

	StatsRateLimitDenied = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_rate_limit_denied",
		Help:         "stats_rate_limit_denied provides total invocations denied by the rate limiter",
		RequiredTags: []string{"caller", "class"},
	}

	StatsServerConnected = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_connected",
		Help:         "stats_server_connected provides total successful server connections",
		RequiredTags: []string{"server"},
	}

	StatsServerDisconnected = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_disconnected",
		Help:         "stats_server_disconnected provides total server disconnections",
		RequiredTags: []string{"server"},
	}

	StatsServerProbesFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_server_probes_failed",
		Help:         "stats_server_probes_failed provides total failed health probes",
		RequiredTags: []string{"server"},
	}
)

// Perf
var (
	PerfToolInvocation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_invocation",
		Help:         "perf_tool_invocation provides duration of tool invocation",
		RequiredTags: []string{"capability"},
	}

	PerfServerDiscovery = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_server_discovery",
		Help:         "perf_server_discovery provides duration of capability discovery",
		RequiredTags: []string{"server"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfServerDiscovery,
	&PerfToolInvocation,
	&StatsRateLimitDenied,
	&StatsServerConnected,
	&StatsServerDisconnected,
	&StatsServerProbesFailed,
	&StatsToolInvocationsFailed,
	&StatsToolInvocationsNotFound,
	&StatsToolInvocationsRetried,
	&StatsToolInvocationsSucceeded,
}
