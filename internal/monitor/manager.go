package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

const (
	startRetryMax      = 3
	startRetryBase     = 1 * time.Second
	defaultStopTimeout = 30 * time.Second
)

// ManagerConfig tunes the plugin manager.
type ManagerConfig struct {
	// StartupDelay is waited once before starting any plugin.
	StartupDelay time.Duration
	// StopTimeout bounds how long StopAll waits per plugin.
	StopTimeout time.Duration
}

// Manager loads plugins from a registry and drives their lifecycles.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	log      logx.Logger

	mu      sync.Mutex
	runners map[string]*runner
}

func NewManager(cfg ManagerConfig, reg *Registry, log logx.Logger) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		log:      log,
		runners:  map[string]*runner{},
	}
}

// LoadPlugins constructs every registered plugin and returns how many loaded.
// A failed constructor skips that plugin only.
func (m *Manager) LoadPlugins() int {
	loaded := 0
	for _, name := range m.registry.Names() {
		ctor, ok := m.registry.get(name)
		if !ok {
			continue
		}
		p, err := ctor()
		if err != nil {
			m.log.Error("plugin load failed", logx.String("plugin", name), logx.Err(err))
			continue
		}
		m.mu.Lock()
		m.runners[p.Name()] = newRunner(p, m.log)
		m.mu.Unlock()
		loaded++
		m.log.Info("plugin loaded", logx.String("plugin", p.Name()))
	}
	return loaded
}

// StartAll waits the startup delay, then starts every loaded plugin
// concurrently. Each start is retried up to startRetryMax times with
// 1s/2s/4s backoff. Returns true when at least one plugin is running.
func (m *Manager) StartAll(ctx context.Context) bool {
	if m.cfg.StartupDelay > 0 {
		m.log.Info("waiting before plugin start", logx.Duration("delay", m.cfg.StartupDelay))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.StartupDelay):
		}
	}

	m.mu.Lock()
	rs := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range rs {
		r := r
		g.Go(func() error {
			// Start failures are reported in plugin state, not as group errors;
			// one bad plugin must not abort its siblings.
			m.startWithRetry(gctx, r)
			return nil
		})
	}
	_ = g.Wait()

	h := m.HealthCheck()
	m.log.Info("plugins started",
		logx.Int("running", h.Running),
		logx.Int("total", h.Total),
		logx.Float64("score", h.Score),
	)
	return h.Running > 0
}

func (m *Manager) startWithRetry(ctx context.Context, r *runner) bool {
	backoff := startRetryBase
	for attempt := 1; attempt <= startRetryMax; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := r.start(ctx)
		if err == nil {
			return true
		}
		m.log.Warn("plugin start failed",
			logx.String("plugin", r.plugin.Name()),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		if attempt == startRetryMax {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false
}

// StopAll signals every plugin, then waits per plugin up to the stop timeout.
// Laggards are force-canceled into StateError. One plugin's slow stop never
// blocks another's signal. Returns true when every plugin stopped cleanly.
func (m *Manager) StopAll(ctx context.Context) bool {
	m.mu.Lock()
	rs := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.mu.Unlock()

	// Signal first so in-flight polls wind down in parallel.
	for _, r := range rs {
		r.requestStop()
	}

	var wg sync.WaitGroup
	clean := make([]bool, len(rs))
	for i, r := range rs {
		wg.Add(1)
		go func(i int, r *runner) {
			defer wg.Done()
			clean[i] = r.awaitStop(m.cfg.StopTimeout)
		}(i, r)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return false
	}

	all := true
	for _, ok := range clean {
		all = all && ok
	}
	m.log.Info("plugins stopped", logx.Bool("clean", all))
	return all
}

// PausePlugin suspends polling without tearing the plugin down.
func (m *Manager) PausePlugin(name string) bool {
	if r := m.runner(name); r != nil {
		ok := r.pause()
		if ok {
			m.log.Info("plugin paused", logx.String("plugin", name))
		}
		return ok
	}
	return false
}

func (m *Manager) ResumePlugin(name string) bool {
	if r := m.runner(name); r != nil {
		ok := r.resume()
		if ok {
			m.log.Info("plugin resumed", logx.String("plugin", name))
		}
		return ok
	}
	return false
}

// RestartPlugin stops the plugin (bounded by the stop timeout) and starts it
// again with the usual retry policy.
func (m *Manager) RestartPlugin(ctx context.Context, name string) bool {
	r := m.runner(name)
	if r == nil {
		return false
	}
	r.requestStop()
	r.awaitStop(m.cfg.StopTimeout)
	return m.startWithRetry(ctx, r)
}

// Stats returns a snapshot per plugin, keyed by name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	rs := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(rs))
	for _, r := range rs {
		st := r.stats()
		out[st.Name] = st
	}
	return out
}

// HealthCheck summarizes plugin health. Score is running/total in [0,1];
// an empty manager scores 0.
func (m *Manager) HealthCheck() Health {
	m.mu.Lock()
	rs := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		rs = append(rs, r)
	}
	m.mu.Unlock()

	h := Health{Total: len(rs)}
	for _, r := range rs {
		st := r.getState()
		if st == StateRunning || st == StatePaused {
			h.Running++
		}
	}
	if h.Total > 0 {
		h.Score = float64(h.Running) / float64(h.Total)
	}
	return h
}

// PluginNames lists loaded plugins in sorted order.
func (m *Manager) PluginNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runners))
	for name := range m.runners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) runner(name string) *runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[name]
}
