package detector

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
)

// GroupFunc maps a stream id to its station group key.
type GroupFunc func(streamID string) string

// StationGroup groups NET.STA.LOC.CHA stream ids by NET.STA. Ids that do
// not parse form their own group.
func StationGroup(streamID string) string {
	key, err := domain.ParseChannelKey(streamID)
	if err != nil {
		return streamID
	}
	return key.StationKey()
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Group  GroupFunc // defaults to StationGroup
	Logger *logrus.Entry
}

// group pairs a detector with the lock serializing its calls.
type group struct {
	mu  sync.Mutex
	det *Detector
}

// Manager owns one Detector per station group. Groups are created on their
// first packet and kept for the process lifetime. Calls for one group are
// serialized; different groups run in parallel.
type Manager struct {
	cfg     Config
	handler Handler
	groupOf GroupFunc
	log     *logrus.Entry

	mu     sync.RWMutex // guards groups map only
	groups map[string]*group
}

// NewManager creates a Manager delivering confirmed detections to handler.
func NewManager(cfg Config, handler Handler, opts ManagerOptions) *Manager {
	if opts.Group == nil {
		opts.Group = StationGroup
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("detector")
	}
	if handler == nil {
		handler = LogHandler{Logger: opts.Logger}
	}
	return &Manager{
		cfg:     cfg,
		handler: handler,
		groupOf: opts.Group,
		log:     opts.Logger,
		groups:  make(map[string]*group),
	}
}

// OnData routes a packet to its group's detector and hands any confirmed
// detection to the handler. Handler errors are logged, never returned.
func (m *Manager) OnData(ctx context.Context, t domain.Trace) {
	key := m.groupOf(t.ChannelID)
	g := m.group(key)

	g.mu.Lock()
	result := g.det.OnData(t)
	g.mu.Unlock()

	if result == nil {
		return
	}
	if err := m.handler.HandleDetection(ctx, *result); err != nil {
		m.log.WithError(err).WithField("group", key).Error("detection handler failed")
	}
}

func (m *Manager) group(key string) *group {
	m.mu.RLock()
	g, ok := m.groups[key]
	m.mu.RUnlock()
	if ok {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok = m.groups[key]; ok {
		return g
	}
	g = &group{det: NewDetector(key, m.cfg, m.log)}
	m.groups[key] = g
	observability.DefaultMetrics.DetectorGroups.Set(float64(len(m.groups)))
	return g
}

// Groups returns the known group keys, sorted.
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.groups))
	for k := range m.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State returns the state of a group.
func (m *Manager) State(key string) (State, bool) {
	m.mu.RLock()
	g, ok := m.groups[key]
	m.mu.RUnlock()
	if !ok {
		return StateIdle, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.det.State(), true
}
