/*
Package health provides reusable health-check primitives: HTTP, TCP,
and Exec checkers behind a common Checker interface, plus a Status
type that turns a stream of Results into a debounced healthy/unhealthy
verdict (N consecutive failures to flip unhealthy, one success to flip
back).

# Usage in mahid

The Worker Pool uses an HTTPChecker against each live runtime's
`http://127.0.0.1:<port>/health` during heartbeat and records the
outcome in the worker's LastHealth (`http_healthy`, `http_message`).
A failed check does not trigger a restart: the pool restarts only
workers whose process has exited. The Supervisor's own health
endpoint is served directly (see pkg/supervisor), not through this
package, since it reports the supervised child's process state rather
than probing it.

# Checkers

	Checker interface { Check(ctx) Result; Type() CheckType }

HTTPChecker issues a GET and classifies a status in 200-399 as healthy
(adjustable with WithStatusRange). TCPChecker dials and immediately
closes. ExecChecker runs a command and checks its exit code. Each
checker carries its own Timeout field (set with WithTimeout); Config's
Timeout is not read by them.
*/
package health
