/*
Package metrics provides Prometheus metrics collection and exposition for mahid.

All metrics are registered in init() and exposed at /metrics, mounted
onto the gateway's HTTP listener alongside the query/index/plan/status
routes.

# Metrics Catalog

Auth Manager:

mahi_tokens_active:
  - Type: Gauge
  - Description: Total number of tokens currently known to the Auth Manager

mahi_auth_rate_limited_total:
  - Type: Counter
  - Description: Total number of requests rejected for exceeding a token's rate limit

Multi-Transport Gateway:

mahi_gateway_requests_total{transport, op}:
  - Type: Counter
  - Description: Total gateway requests by transport (http/ws/ipc) and operation (status/query/index/plan/execute/ping)

mahi_gateway_request_duration_seconds{transport, op}:
  - Type: Histogram
  - Description: Gateway request duration in seconds by transport and operation

Worker Pool:

mahi_pool_workers{state}:
  - Type: Gauge
  - Description: Number of workers by state (alive/dead)

mahi_pool_restarts_total:
  - Type: Counter
  - Description: Total number of worker restarts performed by the pool

Sandbox Harness:

mahi_sandbox_executions_total{outcome}:
  - Type: Counter
  - Description: Total sandboxed executions by outcome (success/timeout/error)

mahi_sandbox_duration_seconds:
  - Type: Histogram
  - Description: Sandboxed execution duration in seconds

Process Supervisor:

mahi_supervisor_restarts_total:
  - Type: Counter
  - Description: Total number of times the supervisor restarted its child process

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.GatewayRequestDuration, "http", "query")
*/
package metrics
