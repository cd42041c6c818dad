// Package orchestratortest provides hand-written in-memory fakes for the
// internal/ports collaborator interfaces, so internal/orchestrator and
// its sub-packages can be exercised without a Postgres/Redis instance.
package orchestratortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// FakeStore is an in-memory ports.Store.
type FakeStore struct {
	mu sync.Mutex

	Namespaces  map[string]orchtypes.Namespace
	Specs       map[string]orchtypes.ClusterSpec
	Discoveries map[string]orchtypes.ClusterDiscovery
	Platforms   map[string]orchtypes.Platform
	Nodes       map[string]map[string]orchtypes.Node
	Shards      map[string]map[string]orchtypes.Shard
	NActions    map[string]map[uuid.UUID]orchtypes.NAction
	OActions    map[string]map[uuid.UUID]orchtypes.OAction
	Converge    map[string]orchtypes.ConvergeState
	Reports     []orchtypes.OrchestrateReport
}

// NewFakeStore returns an empty FakeStore with all maps initialized.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Namespaces:  map[string]orchtypes.Namespace{},
		Specs:       map[string]orchtypes.ClusterSpec{},
		Discoveries: map[string]orchtypes.ClusterDiscovery{},
		Platforms:   map[string]orchtypes.Platform{},
		Nodes:       map[string]map[string]orchtypes.Node{},
		Shards:      map[string]map[string]orchtypes.Shard{},
		NActions:    map[string]map[uuid.UUID]orchtypes.NAction{},
		OActions:    map[string]map[uuid.UUID]orchtypes.OAction{},
		Converge:    map[string]orchtypes.ConvergeState{},
	}
}

func clusterKey(k ports.ClusterKey) string { return k.NsID + "." + k.ClusterID }

func (s *FakeStore) LookupNamespace(_ context.Context, nsID string) (*orchtypes.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.Namespaces[nsID]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s *FakeStore) PersistNamespace(_ context.Context, ns orchtypes.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Namespaces[ns.ID] = ns
	return nil
}

func (s *FakeStore) LookupClusterSpec(_ context.Context, key ports.ClusterKey) (*orchtypes.ClusterSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.Specs[clusterKey(key)]
	if !ok {
		return nil, nil
	}
	return &spec, nil
}

func (s *FakeStore) PersistClusterSpec(_ context.Context, spec orchtypes.ClusterSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Specs[clusterKey(ports.ClusterKey{NsID: spec.NsID, ClusterID: spec.ClusterID()})] = spec
	return nil
}

func (s *FakeStore) DeleteClusterSpec(_ context.Context, key ports.ClusterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Specs, clusterKey(key))
	return nil
}

func (s *FakeStore) LookupClusterDiscovery(_ context.Context, key ports.ClusterKey) (*orchtypes.ClusterDiscovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Discoveries[clusterKey(key)]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *FakeStore) PersistClusterDiscovery(_ context.Context, d orchtypes.ClusterDiscovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Discoveries[clusterKey(ports.ClusterKey{NsID: d.NsID, ClusterID: d.ClusterID})] = d
	return nil
}

func (s *FakeStore) LookupPlatform(_ context.Context, nsID, name string) (*orchtypes.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Platforms[nsID+"."+name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *FakeStore) PersistPlatform(_ context.Context, p orchtypes.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Platforms[p.NsID+"."+p.Name] = p
	return nil
}

func (s *FakeStore) ListNodes(_ context.Context, key ports.ClusterKey) ([]orchtypes.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.Nodes[clusterKey(key)]
	out := make([]orchtypes.Node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	return out, nil
}

func (s *FakeStore) PersistNode(_ context.Context, n orchtypes.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := clusterKey(ports.ClusterKey{NsID: n.NsID, ClusterID: n.ClusterID})
	if s.Nodes[ck] == nil {
		s.Nodes[ck] = map[string]orchtypes.Node{}
	}
	s.Nodes[ck][n.NodeID] = n
	return nil
}

func (s *FakeStore) ListShards(_ context.Context, node ports.NodeKey) ([]orchtypes.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clusterKey(node.ClusterKey) + "." + node.NodeID
	m := s.Shards[key]
	out := make([]orchtypes.Shard, 0, len(m))
	for _, sh := range m {
		out = append(out, sh)
	}
	return out, nil
}

func (s *FakeStore) PersistShard(_ context.Context, sh orchtypes.Shard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clusterKey(ports.ClusterKey{NsID: sh.NsID, ClusterID: sh.ClusterID}) + "." + sh.NodeID
	if s.Shards[key] == nil {
		s.Shards[key] = map[string]orchtypes.Shard{}
	}
	s.Shards[key][sh.ShardID] = sh
	return nil
}

func (s *FakeStore) DeleteShard(_ context.Context, sh orchtypes.Shard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clusterKey(ports.ClusterKey{NsID: sh.NsID, ClusterID: sh.ClusterID}) + "." + sh.NodeID
	delete(s.Shards[key], sh.ShardID)
	return nil
}

func (s *FakeStore) ListUnfinishedNActions(_ context.Context, key ports.ClusterKey) ([]orchtypes.NAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.NActions[clusterKey(key)]
	out := make([]orchtypes.NAction, 0, len(m))
	for _, a := range m {
		if !a.State.Phase.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *FakeStore) LookupNAction(_ context.Context, key ports.ClusterKey, actionID uuid.UUID) (*orchtypes.NAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.NActions[clusterKey(key)][actionID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *FakeStore) PersistNAction(_ context.Context, a orchtypes.NAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := clusterKey(ports.ClusterKey{NsID: a.NsID, ClusterID: a.ClusterID})
	if s.NActions[ck] == nil {
		s.NActions[ck] = map[uuid.UUID]orchtypes.NAction{}
	}
	s.NActions[ck][a.ActionID] = a
	return nil
}

func (s *FakeStore) ListUnfinishedOActions(_ context.Context, key ports.ClusterKey) ([]orchtypes.OAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.OActions[clusterKey(key)]
	out := make([]orchtypes.OAction, 0, len(m))
	for _, a := range m {
		if !a.State.IsTerminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *FakeStore) PersistOAction(_ context.Context, a orchtypes.OAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := clusterKey(ports.ClusterKey{NsID: a.NsID, ClusterID: a.ClusterID})
	if s.OActions[ck] == nil {
		s.OActions[ck] = map[uuid.UUID]orchtypes.OAction{}
	}
	s.OActions[ck][a.ActionID] = a
	return nil
}

func (s *FakeStore) LookupConvergeState(_ context.Context, key ports.ClusterKey) (*orchtypes.ConvergeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.Converge[clusterKey(key)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *FakeStore) PersistConvergeState(_ context.Context, st orchtypes.ConvergeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Converge[clusterKey(ports.ClusterKey{NsID: st.NsID, ClusterID: st.ClusterID})] = st
	return nil
}

func (s *FakeStore) PersistReport(_ context.Context, r orchtypes.OrchestrateReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reports = append(s.Reports, r)
	return nil
}

func (s *FakeStore) ListRecentReports(_ context.Context, key ports.ClusterKey, limit int) ([]orchtypes.OrchestrateReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var matched []orchtypes.OrchestrateReport
	for i := len(s.Reports) - 1; i >= 0 && len(matched) < limit; i-- {
		r := s.Reports[i]
		if r.NsID == key.NsID && r.ClusterID == key.ClusterID {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// FakeEventSink records every emitted event in order.
type FakeEventSink struct {
	mu      sync.Mutex
	Audits  []ports.Event
	Changes []ports.Event
}

// NewFakeEventSink returns an empty FakeEventSink.
func NewFakeEventSink() *FakeEventSink { return &FakeEventSink{} }

func (s *FakeEventSink) Audit(_ context.Context, ev ports.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Audits = append(s.Audits, ev)
	return nil
}

func (s *FakeEventSink) Change(_ context.Context, ev ports.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Changes = append(s.Changes, ev)
	return nil
}

// FakeLeaseGuard is a held lease that Release/IsHeld flip in-memory.
type FakeLeaseGuard struct {
	mu        sync.Mutex
	held      bool
	onRelease func()
}

func (g *FakeLeaseGuard) IsHeld(_ context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *FakeLeaseGuard) Release(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	if g.onRelease != nil {
		g.onRelease()
	}
	return nil
}

// Lose marks the guard as lost, simulating the lease service dropping it
// out from under the holder.
func (g *FakeLeaseGuard) Lose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
}

// FakeLockService is an in-memory, single-process LockService.
type FakeLockService struct {
	mu     sync.Mutex
	holder map[string]string
}

// NewFakeLockService returns an empty FakeLockService.
func NewFakeLockService() *FakeLockService {
	return &FakeLockService{holder: map[string]string{}}
}

func (l *FakeLockService) Acquire(_ context.Context, name, owner string) (ports.LeaseGuard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, held := l.holder[name]; held && existing != owner {
		return nil, fmt.Errorf("acquire %q: %w (held by %s)", name, ports.ErrLeaseHeld, existing)
	}
	l.holder[name] = owner
	guard := &FakeLeaseGuard{held: true}
	guard.onRelease = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.holder[name] == owner {
			delete(l.holder, name)
		}
	}
	return guard, nil
}

// FakeAgentClient is a scripted per-node AgentClient.
type FakeAgentClient struct {
	Node          orchtypes.Node
	Shards        []orchtypes.Shard
	Finished      []ports.ActionSummary
	Queue         []ports.ActionSummary
	Executions    map[uuid.UUID]ports.ActionExecution
	InfoNodeErr   error
	InfoShardsErr error
	FinishedErr   error
	QueueErr      error
	ScheduleErr   error
	Scheduled     []ports.ActionExecutionRequest
}

func (c *FakeAgentClient) InfoNode(_ context.Context) (*orchtypes.Node, error) {
	if c.InfoNodeErr != nil {
		return nil, c.InfoNodeErr
	}
	n := c.Node
	return &n, nil
}

func (c *FakeAgentClient) InfoShards(_ context.Context) ([]orchtypes.Shard, error) {
	if c.InfoShardsErr != nil {
		return nil, c.InfoShardsErr
	}
	return c.Shards, nil
}

func (c *FakeAgentClient) ActionsFinished(_ context.Context) ([]ports.ActionSummary, error) {
	if c.FinishedErr != nil {
		return nil, c.FinishedErr
	}
	return c.Finished, nil
}

func (c *FakeAgentClient) ActionsQueue(_ context.Context) ([]ports.ActionSummary, error) {
	if c.QueueErr != nil {
		return nil, c.QueueErr
	}
	return c.Queue, nil
}

func (c *FakeAgentClient) ActionLookup(_ context.Context, id uuid.UUID) (*ports.ActionExecution, error) {
	exec, ok := c.Executions[id]
	if !ok {
		return nil, fmt.Errorf("fake agent: no execution scripted for %s", id)
	}
	return &exec, nil
}

func (c *FakeAgentClient) ActionSchedule(_ context.Context, req ports.ActionExecutionRequest) error {
	if c.ScheduleErr != nil {
		return c.ScheduleErr
	}
	c.Scheduled = append(c.Scheduled, req)
	return nil
}

// FakeAgentClientFactory hands out a fixed client per node ID.
type FakeAgentClientFactory struct {
	ByNode map[string]*FakeAgentClient
}

// NewFakeAgentClientFactory returns an empty factory.
func NewFakeAgentClientFactory() *FakeAgentClientFactory {
	return &FakeAgentClientFactory{ByNode: map[string]*FakeAgentClient{}}
}

func (f *FakeAgentClientFactory) ForNode(_ string, _ orchtypes.ClusterSpec, node orchtypes.DiscoveredNode) (ports.AgentClient, error) {
	c, ok := f.ByNode[node.NodeID]
	if !ok {
		return nil, fmt.Errorf("fake factory: no client scripted for node %s", node.NodeID)
	}
	return c, nil
}

// FakePlatformClient is a scripted PlatformClient.
type FakePlatformClient struct {
	Clusters       []ports.DiscoveredCluster
	ProvisionFn    func(ports.ProvisionRequest) (*ports.ProvisionResult, error)
	DeprovisionErr error
}

func (p *FakePlatformClient) Discover(_ context.Context) ([]ports.DiscoveredCluster, error) {
	return p.Clusters, nil
}

func (p *FakePlatformClient) Provision(_ context.Context, req ports.ProvisionRequest) (*ports.ProvisionResult, error) {
	if p.ProvisionFn != nil {
		return p.ProvisionFn(req)
	}
	return &ports.ProvisionResult{Count: req.Count}, nil
}

func (p *FakePlatformClient) Deprovision(_ context.Context, _ ports.DeprovisionRequest) error {
	return p.DeprovisionErr
}

// FakeTaskQueue is an in-memory FIFO implementing both TaskSubmit and
// TaskSource, keyed by queue name.
type FakeTaskQueue struct {
	mu      sync.Mutex
	queues  map[string][]ports.ReceivedTask
	nextID  int
	pending map[string]ports.ReceivedTask
}

// NewFakeTaskQueue returns an empty FakeTaskQueue.
func NewFakeTaskQueue() *FakeTaskQueue {
	return &FakeTaskQueue{queues: map[string][]ports.ReceivedTask{}, pending: map[string]ports.ReceivedTask{}}
}

func (q *FakeTaskQueue) Submit(_ context.Context, sub ports.TaskSubmission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[sub.Queue] = append(q.queues[sub.Queue], ports.ReceivedTask{Queue: sub.Queue, Payload: sub.Payload})
	return nil
}

func (q *FakeTaskQueue) Next(_ context.Context, queue string) (*ports.ReceivedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[queue]
	if len(items) == 0 {
		return nil, nil
	}
	task := items[0]
	q.queues[queue] = items[1:]
	q.nextID++
	handle := fmt.Sprintf("handle-%d", q.nextID)
	task.AckHandle = handle
	q.pending[handle] = task
	return &task, nil
}

func (q *FakeTaskQueue) Done(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, handle)
	return nil
}

func (q *FakeTaskQueue) Nack(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.pending[handle]
	if !ok {
		return nil
	}
	delete(q.pending, handle)
	q.queues[task.Queue] = append(q.queues[task.Queue], task)
	return nil
}

// Pending returns the ack handles currently checked out (neither Done
// nor Nacked), for tests asserting a worker acknowledged every task it
// pulled.
func (q *FakeTaskQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.pending))
	for h := range q.pending {
		out = append(out, h)
	}
	return out
}
