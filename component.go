package goxa

import (
	"context"
	"time"
)

// Vote 分支第一阶段的投票结果
type Vote int

const (
	// 分支已 prepared，等待第二阶段
	VoteCommit Vote = iota
	// 分支只读，无需第二阶段
	VoteReadOnly
)

// Resource 经典 XA 资源，例如关系型数据库、消息队列
type Resource interface {
	// 返回资源唯一名称
	Name() string
	// 在分支上开启工作，返回资源的原生句柄供业务使用
	Start(ctx context.Context, xid Xid) (interface{}, error)
	// 执行第一阶段的 prepare 操作
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	// 执行第二阶段的 commit 操作
	Commit(ctx context.Context, xid Xid) error
	// 执行第二阶段的 rollback 操作. 需要同时能处理尚未 prepare 的分支
	Rollback(ctx context.Context, xid Xid) error
	// 返回资源侧处于 prepared 状态的所有分支
	Recover(ctx context.Context) ([]Xid, error)
}

// Peer 远端事务协调者. 对于本 server 作为上级的事务，peer 是下级；
// 对于本 server 作为下级的事务，peer 是上级
type Peer interface {
	ServerID() string
	// 上级 -> 下级: 第一阶段指令
	Prepare(ctx context.Context, xid Xid) error
	// 上级 -> 下级: 提交指令
	Commit(ctx context.Context, xid Xid) error
	// 上级 -> 下级: 回滚指令
	Rollback(ctx context.Context, xid Xid) error
	// 下级 -> 上级: 本地分支已全部 prepared
	Ready(ctx context.Context, xid Xid) error
	// 下级 -> 上级: 本地分支已全部完成第二阶段
	Done(ctx context.Context, xid Xid) error
	// 下级 -> 上级: 请求重新下发 xid 所属全局事务的决议
	Retry(ctx context.Context, xid Xid) error
	// 上级 -> 下级: 返回下级中由调用方发起、仍然悬而未决的全局事务
	InDoubt(ctx context.Context) ([]Xid, error)
}

// PeerResolver 根据 server id 查找远端协调者
type PeerResolver interface {
	Peer(serverID string) (Peer, error)
	Peers() []Peer
}

// Inbound 远端协调者发往本 server 的请求
type Inbound interface {
	OrderPrepare(ctx context.Context, xid Xid) error
	OrderCommit(ctx context.Context, xid Xid) error
	OrderRollback(ctx context.Context, xid Xid) error
	NotifyReady(ctx context.Context, xid Xid) error
	NotifyDone(ctx context.Context, xid Xid) error
	Retry(ctx context.Context, from string, xid Xid) error
	InDoubt(ctx context.Context, superiorID string) ([]Xid, error)
}

// RecoveryLocker 跨进程的恢复锁，避免共享同一份日志的多个节点同时执行恢复
type RecoveryLocker interface {
	Lock(ctx context.Context, expireDuration time.Duration) error
	Unlock(ctx context.Context) error
}
