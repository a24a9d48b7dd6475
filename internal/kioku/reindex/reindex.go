// Package reindex keeps the hub's vector index in step with the knowledge
// bases. It subscribes to KB change events, coalesces bursts behind a short
// debounce window, and drives the hub's reindex_vector / get_reindex_status
// tools. A slow periodic sweep catches changes made behind the bus's back.
package reindex

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/common/mcpwire"
	"github.com/bdobrica/Kioku/internal/kioku/bus"
)

const (
	defaultDebounce    = 2 * time.Second
	defaultPoll        = 3 * time.Second
	defaultSweep       = 5 * time.Minute
	reindexCallTimeout = 5 * time.Minute
)

// watchedEvents are the bus event types that schedule a reindex.
var watchedEvents = []bus.EventType{
	bus.FileCreated,
	bus.FileModified,
	bus.FileDeleted,
	bus.BatchChanges,
	bus.GitCommit,
	bus.GitPull,
}

// ToolCaller is the slice of the MCP client the manager needs.
type ToolCaller interface {
	CallToolTimeout(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcpwire.CallToolResult, error)
}

// ResolveFunc maps a bus event to the knowledge base it belongs to. Events
// that resolve to no KB are ignored.
type ResolveFunc func(evt bus.Event) (kbID string, ok bool)

// Config tunes the manager. Zero values take the package defaults.
type Config struct {
	Debounce      time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration
}

// Manager owns one debounce loop per knowledge base.
type Manager struct {
	cfg     Config
	call    ToolCaller
	resolve ResolveFunc

	mu  sync.Mutex
	kbs map[string]*debouncer

	unsubs []func()
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New builds a manager and subscribes it to the bus. Subscriptions are
// async so publishers never wait on reindex work.
func New(cfg Config, call ToolCaller, b *bus.Bus, resolve ResolveFunc) *Manager {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}

	m := &Manager{
		cfg:     cfg,
		call:    call,
		resolve: resolve,
		kbs:     make(map[string]*debouncer),
		stop:    make(chan struct{}),
	}

	for _, t := range watchedEvents {
		m.unsubs = append(m.unsubs, b.SubscribeAsync(t, m.onEvent))
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// TriggerReindex forces an immediate reindex of one KB, skipping the
// debounce window.
func (m *Manager) TriggerReindex(kbID string) {
	m.forKB(kbID).trigger()
}

// Stop unsubscribes from the bus and shuts every loop down. In-flight
// dispatches complete.
func (m *Manager) Stop() {
	m.once.Do(func() {
		for _, unsub := range m.unsubs {
			unsub()
		}
		close(m.stop)
	})
	m.wg.Wait()
}

func (m *Manager) onEvent(evt bus.Event) {
	kbID, ok := m.resolve(evt)
	if !ok {
		return
	}
	m.forKB(kbID).kick()
}

// forKB returns the KB's debouncer, starting its loop on first sight.
func (m *Manager) forKB(kbID string) *debouncer {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.kbs[kbID]
	if !ok {
		d = newDebouncer(m, kbID)
		m.kbs[kbID] = d
		m.wg.Add(1)
		go d.run()
	}
	return d
}

// sweepLoop periodically asks the hub for a non-forced reindex of every
// known KB, picking up edits that produced no bus event.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			ids := make([]string, 0, len(m.kbs))
			for id := range m.kbs {
				ids = append(ids, id)
			}
			m.mu.Unlock()
			for _, id := range ids {
				m.dispatch(id, false)
			}
		}
	}
}

// dispatch issues one reindex_vector call and polls the job to a terminal
// status. An AlreadyRunning rejection is not an error: the running job
// covers the pending changes, or the next window retries.
func (m *Manager) dispatch(kbID string, force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), reindexCallTimeout)
	defer cancel()

	res, err := m.call.CallToolTimeout(ctx, "reindex_vector", map[string]any{
		"kb_id": kbID,
		"force": force,
	}, reindexCallTimeout)
	if err != nil {
		slog.Error("reindex dispatch failed", "kb_id", kbID, "err", err)
		return
	}
	if res.IsError {
		if strings.Contains(res.Text(), "AlreadyRunning") {
			slog.Debug("reindex already running; coalescing", "kb_id", kbID)
			return
		}
		slog.Error("reindex rejected", "kb_id", kbID, "reason", res.Text())
		return
	}

	slog.Info("reindex started", "kb_id", kbID, "force", force)
	m.poll(ctx, kbID)
}

// jobStatus is the slice of the hub's ReindexJob the poller reads.
type jobStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Stats   struct {
		Docs   int      `json:"docs"`
		Chunks int      `json:"chunks"`
		Errors []string `json:"errors"`
	} `json:"stats"`
}

func (m *Manager) poll(ctx context.Context, kbID string) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			slog.Warn("reindex poll abandoned", "kb_id", kbID, "err", ctx.Err())
			return
		case <-m.stop:
			return
		case <-ticker.C:
		}

		res, err := m.call.CallToolTimeout(ctx, "get_reindex_status", map[string]any{"kb_id": kbID}, 0)
		if err != nil {
			slog.Warn("reindex status poll failed", "kb_id", kbID, "err", err)
			continue
		}

		var job jobStatus
		if err := json.Unmarshal([]byte(res.Text()), &job); err != nil {
			slog.Warn("unparseable reindex status", "kb_id", kbID, "err", err)
			continue
		}
		if job.Status != last {
			slog.Info("reindex progress", "kb_id", kbID, "status", job.Status,
				"docs", job.Stats.Docs, "chunks", job.Stats.Chunks)
			last = job.Status
		}

		switch job.Status {
		case "completed":
			return
		case "failed":
			slog.Error("reindex failed", "kb_id", kbID,
				"message", job.Message, "errors", job.Stats.Errors)
			return
		}
	}
}

// debouncer runs the Idle -> Pending -> Dispatching loop for one KB.
type debouncer struct {
	m    *Manager
	kbID string

	events chan struct{}
	manual chan struct{}
}

func newDebouncer(m *Manager, kbID string) *debouncer {
	return &debouncer{
		m:      m,
		kbID:   kbID,
		events: make(chan struct{}, 8),
		manual: make(chan struct{}, 1),
	}
}

func (d *debouncer) kick() {
	select {
	case d.events <- struct{}{}:
	default:
	}
}

func (d *debouncer) trigger() {
	select {
	case d.manual <- struct{}{}:
	default:
	}
}

func (d *debouncer) run() {
	defer d.m.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-d.m.stop:
			return
		case <-d.events:
			// Each event pushes the deadline out to a full window.
			if !timer.Stop() && pending {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.m.cfg.Debounce)
			pending = true
		case <-d.manual:
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				pending = false
			}
			d.m.dispatch(d.kbID, true)
		case <-timer.C:
			if pending {
				pending = false
				d.m.dispatch(d.kbID, false)
			}
		}
	}
}
