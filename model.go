package goxa

import (
	"context"
	"sync"
	"time"
)

// 事务决议
type Decision int

const (
	DecisionCommit Decision = iota
	DecisionRollback
)

func (d Decision) String() string {
	if d == DecisionCommit {
		return "commit"
	}
	return "rollback"
}

// ResourceBranch 经典资源分支
type ResourceBranch struct {
	Xid      Xid
	Resource Resource
}

// PeerBranch 下级协调者分支，Xid 即下级事务的 xid
type PeerBranch struct {
	Xid  Xid
	Peer Peer
}

// Transaction 一笔全局事务在本 server 上的内存聚合.
// 分支只能在登记阶段追加，交给协议处理后不可再修改
type Transaction struct {
	xid      Xid
	serverID string
	expireAt time.Time

	mux       sync.Mutex
	sealed    bool
	resources []ResourceBranch
	peers     []PeerBranch

	outcome chan error
	once    sync.Once
}

func newTransaction(xid Xid, serverID string, expireAt time.Time) *Transaction {
	return &Transaction{
		xid:      xid,
		serverID: serverID,
		expireAt: expireAt,
		outcome:  make(chan error, 1),
	}
}

func (t *Transaction) Xid() Xid { return t.xid }

// ServerID 登记分支的 server，即本 server
func (t *Transaction) ServerID() string { return t.serverID }

// SuperiorID 本事务的直接上级. 下级事务的 xid 由上级登记分支时签发，
// 因此分支 id 中携带的登记方即为直接上级；没有分支 id 的事务由本 server 发起
func (t *Transaction) SuperiorID() string {
	if len(t.xid.bqual) == 0 {
		return t.xid.SuperiorID()
	}
	return t.xid.BranchServerID()
}

func (t *Transaction) IsSuperior() bool { return t.SuperiorID() == t.serverID }

func (t *Transaction) IsSubordinate() bool { return !t.IsSuperior() }

func (t *Transaction) ExpireAt() time.Time { return t.expireAt }

func (t *Transaction) ResourceBranches() []ResourceBranch {
	t.mux.Lock()
	defer t.mux.Unlock()
	return append([]ResourceBranch(nil), t.resources...)
}

func (t *Transaction) PeerBranches() []PeerBranch {
	t.mux.Lock()
	defer t.mux.Unlock()
	return append([]PeerBranch(nil), t.peers...)
}

func (t *Transaction) addResource(branch ResourceBranch) error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.sealed {
		return ErrAlreadyCompleted
	}
	t.resources = append(t.resources, branch)
	return nil
}

func (t *Transaction) addPeer(branch PeerBranch) error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.sealed {
		return ErrAlreadyCompleted
	}
	t.peers = append(t.peers, branch)
	return nil
}

// seal 交给协议之前调用，之后分支集合不再变化
func (t *Transaction) seal() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.sealed {
		return ErrAlreadyCompleted
	}
	t.sealed = true
	return nil
}

// resolve 投递事务的最终结果，只有第一次调用生效
func (t *Transaction) resolve(err error) bool {
	resolved := false
	t.once.Do(func() {
		t.outcome <- err
		resolved = true
	})
	return resolved
}

// wait 阻塞等待事务的最终结果
func (t *Transaction) wait(ctx context.Context, stopped <-chan struct{}) error {
	select {
	case err := <-t.outcome:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrStopped
	}
}

type txCtxKey struct{}

// NewContext 将当前事务绑定到 ctx 上
func NewContext(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

// FromContext 取出 ctx 上绑定的事务
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(*Transaction)
	return tx, ok
}
