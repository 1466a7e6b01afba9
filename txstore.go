package goxa

import (
	"context"
	"time"
)

// JournalRecord 预写日志中的一行. 一个分支在日志中恰好有两行：
// 先是一条决议记录，完成第二阶段后再追加一条 Complete 为 true 的记录
type JournalRecord struct {
	ServerID  string
	Xid       Xid
	Resource  string
	Decision  Decision
	Complete  bool
	CreatedAt time.Time
}

// 事务日志存储模块
type JournalStore interface {
	// 原子地批量追加记录，返回前必须已经持久化
	Append(ctx context.Context, records ...*JournalRecord) error
	// 获取由 serverID 写入、只有决议记录而没有完成记录的分支
	Dangling(ctx context.Context, serverID string) ([]*JournalRecord, error)
	// 获取某笔全局事务的决议，包括已经完成的分支
	Decision(ctx context.Context, serverID string, global Xid) (Decision, bool, error)
}
