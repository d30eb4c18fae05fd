// Package workerpool implements the Worker Pool: it keeps a desired
// number of automation-runtime child processes alive, publishes their
// HTTP endpoints into the Registry, and restarts any that die between
// heartbeats.
//
// Grounded line-for-line on original_source/ondevice-ai/core/
// runtime_pool.py's RuntimePool/RuntimeProcess/PoolConfig, translated
// from a GIL-protected threading.RLock + subprocess.Popen object model
// into a sync.Mutex-guarded map of os/exec.Cmd. psutil's optional
// CPU/RSS sampling has no portable Go equivalent in the example pack
// and is dropped; liveness comes from a per-worker goroutine that
// reaps cmd.Wait() as soon as the process spawns, matching poll()'s
// immediate-reap semantics, and an HTTP liveness probe is added via
// the teacher's pkg/health.Checker (SPEC_FULL.md §4.4 design note).
package workerpool

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mahi-systems/mahid/pkg/health"
	"github.com/mahi-systems/mahid/pkg/log"
	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/metrics"
	"github.com/mahi-systems/mahid/pkg/registry"
	"github.com/mahi-systems/mahid/pkg/types"
)

// process is internal book-keeping for one managed worker, mirroring
// RuntimeProcess.
//
// cmd.Wait() is reaped exactly once, by a goroutine started at spawn
// time (see spawnLocked): unlike Python's subprocess.Popen.poll(),
// which reaps on every non-blocking call, os/exec.Cmd only populates
// ProcessState via Wait/Run, so nothing reaped a worker that crashed
// on its own and isAlive() would report it alive forever. exited and
// waitDone give isAlive() and stopProcess() a way to observe that
// reap without either of them calling Wait() a second time.
type process struct {
	worker    types.Worker
	cmd       *exec.Cmd
	startedAt time.Time
	exited    atomic.Bool
	waitDone  chan struct{}
}

func (p *process) isAlive() bool {
	return !p.exited.Load()
}

// Pool coordinates automation-runtime worker processes.
type Pool struct {
	mu         sync.Mutex
	executable string
	registry   *registry.Registry
	config     types.PoolConfig
	processes  map[string]*process
	portCursor int
	desired    int
	metrics    []map[string]any // ring buffer, capped at 64, newest first
	onSpawn    func(types.Worker)
}

// New constructs a Pool that spawns executable as each worker's
// command, publishing endpoints into reg.
func New(executable string, reg *registry.Registry, config types.PoolConfig) *Pool {
	p := &Pool{
		executable: executable,
		registry:   reg,
		config:     config,
		processes:  make(map[string]*process),
		portCursor: config.BasePort,
	}
	p.desired = p.boundCapacity(config.Desired)
	return p
}

// OnSpawn registers a callback invoked after every successful Spawn.
func (p *Pool) OnSpawn(fn func(types.Worker)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSpawn = fn
}

// Start brings the pool up to its desired capacity.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureCapacityLocked()
}

// Stop terminates every managed worker, waiting up to
// config.ShutdownTimeout before killing each one.
func (p *Pool) Stop() {
	p.mu.Lock()
	procs := make([]*process, 0, len(p.processes))
	for _, proc := range p.processes {
		procs = append(procs, proc)
	}
	p.processes = make(map[string]*process)
	p.mu.Unlock()

	for _, proc := range procs {
		p.stopProcess(proc, true)
	}
}

// Spawn starts a new worker, optionally with a fixed name/port, and
// publishes its endpoint. Fails with mahierr.CapacityExceeded if
// config.Max is already reached, or mahierr.NameConflict if name is
// already in use.
func (p *Pool) Spawn(name string, extraEnv map[string]string, port int) (types.Worker, error) {
	p.mu.Lock()
	w, err := p.spawnLocked(name, extraEnv, port)
	if err != nil {
		p.mu.Unlock()
		return types.Worker{}, err
	}
	if len(p.processes) > p.desired {
		p.desired = len(p.processes)
	}
	cb := p.onSpawn
	p.mu.Unlock()

	if cb != nil {
		cb(w)
	}
	return w, nil
}

// Remove stops and unregisters the named worker. Returns false if it
// did not exist.
func (p *Pool) Remove(name string) bool {
	p.mu.Lock()
	proc, ok := p.processes[name]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.processes, name)
	if p.desired > len(p.processes) {
		if p.desired > p.config.Min {
			p.desired = len(p.processes)
		}
		if p.desired < p.config.Min {
			p.desired = p.config.Min
		}
	}
	p.mu.Unlock()

	p.stopProcess(proc, true)
	return true
}

// SetDesiredCapacity bounds desired to [Min, Max] and reconciles
// towards it immediately.
func (p *Pool) SetDesiredCapacity(desired int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desired = p.boundCapacity(desired)
	return p.ensureCapacityLocked()
}

// DesiredCapacity returns the pool's current target worker count.
func (p *Pool) DesiredCapacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// ActiveCount returns the number of workers currently alive.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, proc := range p.processes {
		if proc.isAlive() {
			n++
		}
	}
	return n
}

// Snapshot is the point-in-time view returned by Inspect/Snapshot.
type Snapshot struct {
	Workers  []types.Worker   `json:"workers"`
	Metrics  []map[string]any `json:"metrics"`
	Desired  int              `json:"desired"`
	Active   int              `json:"active"`
	Min      int              `json:"min"`
	Max      int              `json:"max"`
}

// Snapshot returns a copy-safe view of pool state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := make([]types.Worker, 0, len(p.processes))
	active := 0
	for _, proc := range p.processes {
		w := proc.worker
		w.Alive = proc.isAlive()
		if w.Alive {
			active++
		}
		workers = append(workers, w)
	}
	metrics := make([]map[string]any, len(p.metrics))
	copy(metrics, p.metrics)

	return Snapshot{
		Workers: workers,
		Metrics: metrics,
		Desired: p.desired,
		Active:  active,
		Min:     p.config.Min,
		Max:     p.config.Max,
	}
}

// Heartbeat reconciles capacity, restarts any dead worker, probes
// liveness over HTTP, and republishes every endpoint. Intended to be
// called on config.HeartbeatInterval by the composition root's ticker
// loop (the teacher's pkg/worker ticker idiom).
func (p *Pool) Heartbeat(ctx context.Context) {
	p.mu.Lock()
	if err := p.ensureCapacityLocked(); err != nil {
		log.WithComponent("workerpool").Warn().Err(err).Msg("failed to reconcile worker capacity")
	}

	var toRestart []*process
	for _, proc := range p.processes {
		if !proc.isAlive() {
			toRestart = append(toRestart, proc)
		}
	}
	for _, proc := range toRestart {
		p.restartLocked(ctx, proc)
	}

	now := time.Now()
	var alive, totalRestarts int
	workersSnapshot := map[string]any{}
	procs := make([]*process, 0, len(p.processes))
	for _, proc := range p.processes {
		procs = append(procs, proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		healthInfo := p.collectHealth(ctx, proc, now)
		p.mu.Lock()
		proc.worker.LastHealth = healthInfo
		p.mu.Unlock()
		workersSnapshot[proc.worker.Name] = healthInfo

		a, _ := healthInfo["alive"].(bool)
		if a {
			alive++
		}
		totalRestarts += proc.worker.Restarts

		status := "stopped"
		if a {
			status = "ready"
		}
		p.registry.Register(types.Endpoint{
			Name:     proc.worker.Name,
			Protocol: "http",
			Address:  fmt.Sprintf("http://127.0.0.1:%d", proc.worker.Port),
			Metadata: map[string]any{
				"status":   status,
				"pid":      proc.worker.PID,
				"restarts": proc.worker.Restarts,
			},
		})
	}

	p.mu.Lock()
	if len(workersSnapshot) > 0 {
		summary := map[string]any{
			"timestamp": now,
			"desired":   p.desired,
			"total":     len(procs),
			"alive":     alive,
			"dead":      len(procs) - alive,
			"restarts":  totalRestarts,
		}
		p.pushMetricLocked(map[string]any{"summary": summary, "workers": workersSnapshot})
	}
	p.mu.Unlock()

	metrics.PoolWorkers.WithLabelValues("alive").Set(float64(alive))
	metrics.PoolWorkers.WithLabelValues("dead").Set(float64(len(procs) - alive))
}

func (p *Pool) pushMetricLocked(m map[string]any) {
	p.metrics = append([]map[string]any{m}, p.metrics...)
	if len(p.metrics) > 64 {
		p.metrics = p.metrics[:64]
	}
}

func (p *Pool) ensureCapacityLocked() error {
	for len(p.processes) < p.desired {
		if _, err := p.spawnLocked("", nil, 0); err != nil {
			return err
		}
	}
	for len(p.processes) > p.desired {
		p.shrinkLocked()
	}
	return nil
}

func (p *Pool) spawnLocked(name string, extraEnv map[string]string, port int) (types.Worker, error) {
	if p.config.Max > 0 && len(p.processes) >= p.config.Max {
		return types.Worker{}, mahierr.New(mahierr.CapacityExceeded, "maximum worker capacity reached")
	}

	if name == "" {
		name = fmt.Sprintf("runtime-%d", len(p.processes)+1)
	}
	if _, exists := p.processes[name]; exists {
		return types.Worker{}, mahierr.New(mahierr.NameConflict, fmt.Sprintf("worker %q already exists", name))
	}

	assignedPort := port
	if port == 0 {
		assignedPort = p.portCursor
		p.portCursor++
	} else if port >= p.portCursor {
		p.portCursor = port + 1
	}

	env := map[string]string{}
	for k, v := range extraEnv {
		env[k] = v
	}
	env["RUNTIME_PORT"] = fmt.Sprintf("%d", assignedPort)
	env["RUNTIME_NAME"] = name

	cmd := exec.Command(p.executable, "--port", fmt.Sprintf("%d", assignedPort))
	cmd.Env = envSlice(env)
	if err := cmd.Start(); err != nil {
		return types.Worker{}, mahierr.Wrap(mahierr.SandboxFailure, "failed to start worker process", err)
	}

	w := types.Worker{
		Name:       name,
		Command:    cmd.Args,
		WorkingDir: cmd.Dir,
		Env:        env,
		Port:       assignedPort,
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		Alive:      true,
	}
	proc := &process{worker: w, cmd: cmd, startedAt: w.StartedAt, waitDone: make(chan struct{})}
	p.processes[name] = proc

	go func() {
		_ = cmd.Wait()
		proc.exited.Store(true)
		close(proc.waitDone)
	}()

	p.registry.Register(types.Endpoint{
		Name:     name,
		Protocol: "http",
		Address:  fmt.Sprintf("http://127.0.0.1:%d", assignedPort),
		Metadata: map[string]any{"status": "booting", "pid": w.PID, "port": assignedPort},
	})

	log.WithWorker(name).Info().Int("port", assignedPort).Int("pid", w.PID).Msg("worker spawned")
	return w, nil
}

// shrinkLocked prefers removing the most recently started worker, to
// minimise churn of long-lived ones.
func (p *Pool) shrinkLocked() {
	if len(p.processes) == 0 {
		return
	}
	var newest *process
	for _, proc := range p.processes {
		if newest == nil || proc.startedAt.After(newest.startedAt) {
			newest = proc
		}
	}
	delete(p.processes, newest.worker.Name)
	p.stopProcess(newest, true)
}

func (p *Pool) restartLocked(ctx context.Context, proc *process) {
	name := proc.worker.Name
	delete(p.processes, name)
	p.stopProcess(proc, true)

	backoff := p.config.RestartBackoff
	p.mu.Unlock()
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
	}
	p.mu.Lock()

	newProc, err := p.spawnLocked(name, proc.worker.Env, proc.worker.Port)
	if err != nil {
		log.WithWorker(name).Error().Err(err).Msg("failed to restart worker")
		return
	}
	newProc.Restarts = proc.worker.Restarts + 1
	p.processes[name].worker.Restarts = newProc.Restarts
	metrics.PoolRestartsTotal.Inc()
	log.WithWorker(name).Warn().Int("restarts", newProc.Restarts).Msg("worker restarted after dying between heartbeats")
}

func (p *Pool) stopProcess(proc *process, unregister bool) {
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-proc.waitDone:
	case <-time.After(p.config.ShutdownTimeout):
		if proc.cmd.Process != nil {
			_ = proc.cmd.Process.Kill()
		}
		<-proc.waitDone
	}

	if unregister {
		p.registry.Unregister("http", proc.worker.Name)
	}
}

func (p *Pool) collectHealth(ctx context.Context, proc *process, now time.Time) map[string]any {
	p.mu.Lock()
	alive := proc.isAlive()
	pid := proc.worker.PID
	port := proc.worker.Port
	restarts := proc.worker.Restarts
	startedAt := proc.startedAt
	p.mu.Unlock()

	info := map[string]any{
		"name":              proc.worker.Name,
		"pid":               pid,
		"alive":             alive,
		"uptime":            now.Sub(startedAt).Seconds(),
		"restarts":          restarts,
		"port":              port,
		"last_heartbeat_at": now,
	}
	if alive {
		checker := health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/health", port)).WithTimeout(2 * time.Second)
		result := checker.Check(ctx)
		info["http_healthy"] = result.Healthy
		info["http_message"] = result.Message
	}
	return info
}

func (p *Pool) boundCapacity(desired int) int {
	if desired < 0 {
		desired = 0
	}
	if desired < p.config.Min {
		desired = p.config.Min
	}
	if p.config.Max > 0 && desired > p.config.Max {
		desired = p.config.Max
	}
	return desired
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
