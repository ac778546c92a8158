// Package lifecycle manages the set of long-running subsystems the
// archivist process supervises (media pipeline, watcher loop). It keeps a
// tree of contexts with explicit inter-node dependencies and guarantees a
// predictable start order and the mirrored reverse order on shutdown, so a
// node never starts before a dependency it declares, and that dependency
// outlives it during teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"tgarchivist/internal/infra/logger"
)

// StartFunc brings a node up. It may return a context that becomes the
// parent for any children of this node; a nil return reuses the manager's
// own child context. An error marks the node failed and aborts its start.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc tears a node down. By the time it's called the node's context
// has already been canceled, so the implementation should wind down its
// background work and release resources rather than rely on the context
// for cleanup signaling.
type StopFunc func(ctx context.Context) error

// nodeStatus is where a node sits in the manager's lifecycle.
type nodeStatus int

const (
	statusRegistered nodeStatus = iota // registered, never started
	statusStarting                     // start in progress, or waiting on a dependency
	statusRunning                      // started successfully, context live
	statusStopping                     // shutdown requested, context canceled
	statusStopped                      // torn down cleanly
	statusFailed                       // start or stop returned an error
)

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager orders the start and stop of a set of nodes according to their
// declared parent/dependency graph. Safe for concurrent use.
type Manager struct {
	mu         sync.Mutex       // guards nodes and startOrder
	nodes      map[string]*node // every registered node, including root
	startOrder []string         // actual start order, replayed in reverse on Shutdown
}

// Logger is the minimal logging surface the manager needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// New creates a manager whose root node starts out Running. rootCtx=nil
// defaults to context.Background(). Root is the invisible parent every
// other node ultimately descends from.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}

	root := &node{
		name:   rootName,
		ctx:    rootCtx,
		status: statusRunning,
	}

	return &Manager{
		nodes: map[string]*node{rootName: root},
	}
}

// Register adds node name, defaulting its parent to root when parent is
// empty. deps lists additional nodes that must be running before this one
// starts. Registration rejects a duplicate name, a missing parent, and a
// self-dependency; the parent itself is implicitly removed from deps since
// it's already ordered ahead by the tree. The node starts out Registered.
func (m *Manager) Register(name string, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	if _, parentExists := m.nodes[parent]; !parentExists {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}

	uniqueDeps := slices.Compact(slices.Clone(deps))
	uniqueDeps = slices.DeleteFunc(uniqueDeps, func(d string) bool { return d == parent })
	if slices.Contains(uniqueDeps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		parent: parent,
		deps:   uniqueDeps,
		start:  start,
		stop:   stop,
		status: statusRegistered,
	}
	return nil
}

// StartAll starts every registered node but root, honoring the
// parent/dependency graph. Node names are visited in alphabetical order so
// logs are stable across runs, but the graph (not this ordering) decides
// what actually starts first. Returns a joined error naming every node
// that failed to start.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.startOrder)
	return errs
}

// startNode recursively brings up name: its parent and every dependency
// first, then its own context and StartFunc. Re-entering a node that's
// already Starting indicates a dependency cycle.
func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}

	switch n.status { //nolint:exhaustive // only the two short-circuit cases are checked here
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	}
	n.status = statusStarting
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	if n.parent != "" {
		if err := m.startNode(n.parent); err != nil {
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}
	for _, dep := range n.deps {
		if err := m.startNode(dep); err != nil {
			m.setNodeFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	parentCtx, err := m.nodeContext(n.parent)
	if err != nil {
		m.setNodeFailed(name, err)
		return err
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	finalCtx := childCtx

	if n.start != nil {
		startedCtx, errStart := n.start(childCtx)
		if errStart != nil {
			cancel()
			m.setNodeFailed(name, errStart)
			return errStart
		}
		if startedCtx != nil && startedCtx != childCtx {
			// The node handed back a context of its own (e.g. wrapping a
			// client SDK's lifecycle). Bridge it to our own cancellation so
			// Shutdown still reaches it through one layer of wrapping.
			bridged, bridgedCancel := context.WithCancel(startedCtx)
			stopBridge := context.AfterFunc(childCtx, bridgedCancel)

			baseCancel := cancel
			cancel = func() {
				baseCancel()
				stopBridge()
				bridgedCancel()
			}
			finalCtx = bridged
		}
	}

	m.mu.Lock()
	n.ctx = finalCtx
	n.cancel = cancel
	n.status = statusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

// nodeContext returns name's context, or an error if the node is unknown
// or hasn't started yet.
func (m *Manager) nodeContext(name string) (context.Context, error) {
	if name == "" {
		name = rootName
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %q not registered", name)
	}
	if n.ctx == nil {
		return nil, fmt.Errorf("node %q has no context", name)
	}
	return n.ctx, nil
}

// Shutdown stops every running node in the reverse of its actual start
// order, so children always wind down before their parents. Returns a
// joined error naming every node whose StopFunc failed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	order := append([]string(nil), m.startOrder...)
	m.mu.Unlock()
	logger.Debugf("shutdown order: %v", order)

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := m.stopNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
		logger.Debugf("node %s stop processed", name)
	}
	return errs
}

// stopNode tears down a Running node: cancels its context, runs its
// StopFunc, and records Stopped or Failed depending on the result.
func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = statusStopping
	cancel := n.cancel
	stopFn := n.stop
	nodeCtx := n.ctx
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)

	// Cancel first: that's the signal the node's own background work
	// should be watching for before StopFunc tries to join it.
	if cancel != nil {
		cancel()
	}

	var err error
	if stopFn != nil {
		err = stopFn(nodeCtx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = statusFailed
		n.err = err
	} else {
		n.status = statusStopped
		n.err = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

// setNodeFailed marks name Failed and records the error.
func (m *Manager) setNodeFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[name]; ok {
		n.status = statusFailed
		n.err = err
	}
}
