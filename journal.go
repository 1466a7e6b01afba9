package goxa

import (
	"context"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// Journal 预写日志. 决议必须先落盘，之后才能向分支发送第二阶段请求
type Journal struct {
	serverID string
	store    JournalStore
	clock    Clock
	metrics  *txMetrics
}

func NewJournal(serverID string, store JournalStore, clock Clock) *Journal {
	if clock == nil {
		clock = realClock{}
	}
	return &Journal{
		serverID: serverID,
		store:    store,
		clock:    clock,
	}
}

// LogDecision 为事务的每个分支写一条决议记录，一次批量写入
func (j *Journal) LogDecision(ctx context.Context, tx *Transaction, decision Decision) error {
	now := j.clock.Now()
	resources := tx.ResourceBranches()
	peers := tx.PeerBranches()
	records := make([]*JournalRecord, 0, len(resources)+len(peers))
	for _, branch := range resources {
		records = append(records, j.record(branch.Xid, branch.Resource.Name(), decision, false, now))
	}
	for _, branch := range peers {
		records = append(records, j.record(branch.Xid, branch.Peer.ServerID(), decision, false, now))
	}
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	err := j.store.Append(ctx, records...)
	j.metrics.recordJournal(ctx, decision, time.Since(start))
	if err != nil {
		log.ErrorContextf(ctx, "journal log decision failed, xid: %s, decision: %s, err: %v", tx.Xid(), decision, err)
	}
	return err
}

// LogComplete 记录某个分支已经完成第二阶段
func (j *Journal) LogComplete(ctx context.Context, branch Xid, resource string, decision Decision) error {
	return j.store.Append(ctx, j.record(branch, resource, decision, true, j.clock.Now()))
}

// FindDangling 返回 resource -> xid -> decision
func (j *Journal) FindDangling(ctx context.Context) (map[string]map[Xid]Decision, error) {
	records, err := j.store.Dangling(ctx, j.serverID)
	if err != nil {
		return nil, err
	}
	dangling := make(map[string]map[Xid]Decision)
	for _, record := range records {
		if _, ok := dangling[record.Resource]; !ok {
			dangling[record.Resource] = make(map[Xid]Decision)
		}
		dangling[record.Resource][record.Xid] = record.Decision
	}
	return dangling, nil
}

// DecisionOf 查询全局事务的决议
func (j *Journal) DecisionOf(ctx context.Context, global Xid) (Decision, bool, error) {
	return j.store.Decision(ctx, j.serverID, global.Global())
}

func (j *Journal) record(xid Xid, resource string, decision Decision, complete bool, now time.Time) *JournalRecord {
	return &JournalRecord{
		ServerID:  j.serverID,
		Xid:       xid,
		Resource:  resource,
		Decision:  decision,
		Complete:  complete,
		CreatedAt: now,
	}
}
