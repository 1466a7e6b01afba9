package goxa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type mockJournalStore struct {
	mutex     sync.Mutex
	records   []*JournalRecord
	appendErr error
	scanErr   error
}

func newMockJournalStore() *mockJournalStore {
	return &mockJournalStore{}
}

func (m *mockJournalStore) Append(ctx context.Context, records ...*JournalRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, record := range records {
		r := *record
		m.records = append(m.records, &r)
	}
	return nil
}

func (m *mockJournalStore) Dangling(ctx context.Context, serverID string) ([]*JournalRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	type key struct {
		xid      Xid
		resource string
	}
	completed := make(map[key]bool)
	for _, record := range m.records {
		if record.ServerID == serverID && record.Complete {
			completed[key{record.Xid, record.Resource}] = true
		}
	}
	var dangling []*JournalRecord
	for _, record := range m.records {
		if record.ServerID != serverID || record.Complete || completed[key{record.Xid, record.Resource}] {
			continue
		}
		dangling = append(dangling, record)
	}
	return dangling, nil
}

func (m *mockJournalStore) Decision(ctx context.Context, serverID string, global Xid) (Decision, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.scanErr != nil {
		return 0, false, m.scanErr
	}
	for _, record := range m.records {
		if record.ServerID == serverID && record.Xid.SameGlobal(global) {
			return record.Decision, true, nil
		}
	}
	return 0, false, nil
}

func (m *mockJournalStore) setAppendErr(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.appendErr = err
}

// count 返回满足条件的记录数
func (m *mockJournalStore) count(decision Decision, complete bool) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var cnt int
	for _, record := range m.records {
		if record.Decision == decision && record.Complete == complete {
			cnt++
		}
	}
	return cnt
}

func (m *mockJournalStore) size() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.records)
}

type mockResource struct {
	name  string
	mutex sync.Mutex

	prepareErr  error
	commitErr   error
	rollbackErr error
	recoverErr  error
	// 非空时 Recover 会阻塞，直到 release 被关闭
	recoverStarted chan struct{}
	release        chan struct{}

	started    map[Xid]bool
	prepared   map[Xid]bool
	committed  []Xid
	rolledBack []Xid
}

func newMockResource(name string) *mockResource {
	return &mockResource{
		name:     name,
		started:  make(map[Xid]bool),
		prepared: make(map[Xid]bool),
	}
}

func (m *mockResource) Name() string {
	return m.name
}

func (m *mockResource) Start(ctx context.Context, xid Xid) (interface{}, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.started[xid] = true
	return m.name + ":" + xid.String(), nil
}

func (m *mockResource) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.prepareErr != nil {
		return VoteCommit, m.prepareErr
	}
	if !m.started[xid] {
		return VoteCommit, fmt.Errorf("unknown branch %s", xid)
	}
	delete(m.started, xid)
	m.prepared[xid] = true
	return VoteCommit, nil
}

func (m *mockResource) Commit(ctx context.Context, xid Xid) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	delete(m.prepared, xid)
	m.committed = append(m.committed, xid)
	return nil
}

func (m *mockResource) Rollback(ctx context.Context, xid Xid) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.rollbackErr != nil {
		return m.rollbackErr
	}
	delete(m.started, xid)
	delete(m.prepared, xid)
	m.rolledBack = append(m.rolledBack, xid)
	return nil
}

func (m *mockResource) Recover(ctx context.Context) ([]Xid, error) {
	if m.release != nil {
		close(m.recoverStarted)
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.recoverErr != nil {
		return nil, m.recoverErr
	}
	xids := make([]Xid, 0, len(m.prepared))
	for xid := range m.prepared {
		xids = append(xids, xid)
	}
	sort.Slice(xids, func(i, j int) bool { return xids[i].String() < xids[j].String() })
	return xids, nil
}

func (m *mockResource) setPrepared(xid Xid) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.prepared[xid] = true
}

func (m *mockResource) snapshot() (committed, rolledBack, prepared []Xid) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for xid := range m.prepared {
		prepared = append(prepared, xid)
	}
	return append([]Xid(nil), m.committed...), append([]Xid(nil), m.rolledBack...), prepared
}

// peerCall 记录发往远端协调者的一次请求
type peerCall struct {
	op  string
	xid Xid
}

// mockPeer 只记录请求，不做任何处理
type mockPeer struct {
	serverID string
	calls    chan peerCall
	inDoubt  []Xid
	err      error
}

func newMockPeer(serverID string) *mockPeer {
	return &mockPeer{serverID: serverID, calls: make(chan peerCall, 64)}
}

func (m *mockPeer) ServerID() string { return m.serverID }

func (m *mockPeer) record(op string, xid Xid) error {
	if m.err != nil {
		return m.err
	}
	m.calls <- peerCall{op: op, xid: xid}
	return nil
}

func (m *mockPeer) Prepare(ctx context.Context, xid Xid) error  { return m.record("prepare", xid) }
func (m *mockPeer) Commit(ctx context.Context, xid Xid) error   { return m.record("commit", xid) }
func (m *mockPeer) Rollback(ctx context.Context, xid Xid) error { return m.record("rollback", xid) }
func (m *mockPeer) Ready(ctx context.Context, xid Xid) error    { return m.record("ready", xid) }
func (m *mockPeer) Done(ctx context.Context, xid Xid) error     { return m.record("done", xid) }
func (m *mockPeer) Retry(ctx context.Context, xid Xid) error    { return m.record("retry", xid) }

func (m *mockPeer) InDoubt(ctx context.Context) ([]Xid, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.inDoubt, nil
}

// next 等待下一次请求
func (m *mockPeer) next(timeout time.Duration) (peerCall, error) {
	select {
	case call := <-m.calls:
		return call, nil
	case <-time.After(timeout):
		return peerCall{}, errors.New("no peer call")
	}
}

type mockResolver struct {
	peers map[string]Peer
	order []string
}

func newMockResolver(peers ...Peer) *mockResolver {
	r := &mockResolver{peers: make(map[string]Peer)}
	for _, peer := range peers {
		r.peers[peer.ServerID()] = peer
		r.order = append(r.order, peer.ServerID())
	}
	return r
}

func (r *mockResolver) Peer(serverID string) (Peer, error) {
	peer, ok := r.peers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, serverID)
	}
	return peer, nil
}

func (r *mockResolver) Peers() []Peer {
	peers := make([]Peer, 0, len(r.order))
	for _, serverID := range r.order {
		peers = append(peers, r.peers[serverID])
	}
	return peers
}

// localNet 同一进程内的多个协调者，通过 Inbound 直接互相调用
type localNet struct {
	mutex sync.RWMutex
	nodes map[string]Inbound
}

func newLocalNet() *localNet {
	return &localNet{nodes: make(map[string]Inbound)}
}

func (n *localNet) join(serverID string, inbound Inbound) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.nodes[serverID] = inbound
}

func (n *localNet) node(serverID string) (Inbound, error) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	inbound, ok := n.nodes[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, serverID)
	}
	return inbound, nil
}

// resolver 以 from 的身份访问网络中的其他协调者
func (n *localNet) resolver(from string, peers ...string) PeerResolver {
	r := &mockResolver{peers: make(map[string]Peer)}
	for _, serverID := range peers {
		r.peers[serverID] = &localPeer{net: n, from: from, to: serverID}
		r.order = append(r.order, serverID)
	}
	return r
}

type localPeer struct {
	net  *localNet
	from string
	to   string
}

func (p *localPeer) ServerID() string { return p.to }

func (p *localPeer) call(f func(inbound Inbound) error) error {
	inbound, err := p.net.node(p.to)
	if err != nil {
		return err
	}
	return f(inbound)
}

func (p *localPeer) Prepare(ctx context.Context, xid Xid) error {
	return p.call(func(inbound Inbound) error { return inbound.OrderPrepare(ctx, xid) })
}

func (p *localPeer) Commit(ctx context.Context, xid Xid) error {
	return p.call(func(inbound Inbound) error { return inbound.OrderCommit(ctx, xid) })
}

func (p *localPeer) Rollback(ctx context.Context, xid Xid) error {
	return p.call(func(inbound Inbound) error { return inbound.OrderRollback(ctx, xid) })
}

func (p *localPeer) Ready(ctx context.Context, xid Xid) error {
	return p.call(func(inbound Inbound) error { return inbound.NotifyReady(ctx, xid) })
}

func (p *localPeer) Done(ctx context.Context, xid Xid) error {
	return p.call(func(inbound Inbound) error { return inbound.NotifyDone(ctx, xid) })
}

func (p *localPeer) Retry(ctx context.Context, xid Xid) error {
	return p.call(func(inbound Inbound) error { return inbound.Retry(ctx, p.from, xid) })
}

func (p *localPeer) InDoubt(ctx context.Context) ([]Xid, error) {
	var xids []Xid
	err := p.call(func(inbound Inbound) error {
		var err error
		xids, err = inbound.InDoubt(ctx, p.from)
		return err
	})
	return xids, err
}

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

// manualClock 只有调用 Advance 时才会前进
type manualClock struct {
	mutex   sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *manualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
	remain := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			remain = append(remain, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = remain
}

type mockLocker struct {
	mutex    sync.Mutex
	lockErr  error
	locked   int
	unlocked int
}

func (m *mockLocker) Lock(ctx context.Context, expireDuration time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.lockErr != nil {
		return m.lockErr
	}
	m.locked++
	return nil
}

func (m *mockLocker) Unlock(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.unlocked++
	return nil
}

// set 在锁内修改 mock 的行为
func (m *mockResource) set(f func(m *mockResource)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	f(m)
}
