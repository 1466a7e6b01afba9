package goxa

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// inflightSet 记录正处于协议流程中的全局事务，恢复流程和重试应答会跳过它们
type inflightSet struct {
	mux sync.Mutex
	txs map[string]int
}

func newInflightSet() *inflightSet {
	return &inflightSet{txs: make(map[string]int)}
}

func (s *inflightSet) add(xid Xid) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.txs[xid.gtrid]++
}

func (s *inflightSet) remove(xid Xid) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.txs[xid.gtrid] <= 1 {
		delete(s.txs, xid.gtrid)
		return
	}
	s.txs[xid.gtrid]--
}

func (s *inflightSet) has(xid Xid) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.txs[xid.gtrid] > 0
}

type trackedTX struct {
	tx          *Transaction
	requested   Decision
	rollingBack bool
}

// manager 终态聚合者. 每笔事务的结果只会投递一次：先从跟踪表中移除，再投递
type manager struct {
	*actor
	d        *Dispatcher
	inflight *inflightSet
	metrics  *txMetrics
	txs      map[Xid]*trackedTX
}

func newManager(d *Dispatcher, inflight *inflightSet, metrics *txMetrics) *manager {
	m := &manager{
		d:        d,
		inflight: inflight,
		metrics:  metrics,
		txs:      make(map[Xid]*trackedTX),
	}
	m.actor = newActor(d, "manager", m,
		KindUserCommit, KindUserRollback,
		KindTwoPCDone, KindTwoPCFailed, KindRollbackDone, KindRollbackFailed, KindTimeout,
		KindCommitOrder, KindRollbackOrder,
	)
	return m
}

func (m *manager) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case UserCommit:
		m.txs[e.Tx.Xid()] = &trackedTX{tx: e.Tx, requested: DecisionCommit}
		m.d.Publish(TwoPCRequest{Tx: e.Tx})

	case UserRollback:
		m.txs[e.Tx.Xid()] = &trackedTX{tx: e.Tx, requested: DecisionRollback, rollingBack: true}
		m.d.Publish(RollbackRequest{Tx: e.Tx})

	case TwoPCDone:
		m.finish(ctx, e.Xid, "committed", func(t *trackedTX) error { return nil })

	case TwoPCFailed:
		m.finish(ctx, e.Xid, "commit_failed", func(t *trackedTX) error {
			return &CommitFailed{Xid: e.Xid, Cause: e.Err}
		})

	case RollbackDone:
		m.finish(ctx, e.Xid, "rolled_back", func(t *trackedTX) error {
			if t.requested == DecisionCommit {
				return &CommitFailed{Xid: e.Xid, Cause: ErrRolledBack}
			}
			return nil
		})

	case RollbackFailedEvent:
		m.finish(ctx, e.Xid, "rollback_failed", func(t *trackedTX) error {
			err := &RollbackFailed{Xid: e.Xid, Cause: e.Err}
			if t.requested == DecisionCommit {
				return &CommitFailed{Xid: e.Xid, Cause: err}
			}
			return err
		})

	case Timeout:
		m.finish(ctx, e.Xid, "timed_out", func(t *trackedTX) error {
			return &TimedOut{Xid: e.Xid}
		})

	case CommitOrder:
		if _, ok := m.txs[e.Xid]; ok {
			return
		}
		m.d.Publish(OrphanOrder{Xid: e.Xid, Decision: DecisionCommit})

	case RollbackOrder:
		t, ok := m.txs[e.Xid]
		if !ok {
			m.d.Publish(OrphanOrder{Xid: e.Xid, Decision: DecisionRollback})
			return
		}
		if t.rollingBack {
			return
		}
		t.rollingBack = true
		log.InfoContextf(ctx, "superior ordered rollback, xid: %s", e.Xid)
		m.d.Publish(RollbackRequest{Tx: t.tx})
	}
}

func (m *manager) finish(ctx context.Context, xid Xid, result string, outcome func(t *trackedTX) error) {
	t, ok := m.txs[xid]
	if !ok {
		return
	}
	delete(m.txs, xid)
	m.inflight.remove(xid)

	err := outcome(t)
	if err != nil {
		log.WarnContextf(ctx, "tx finished with failure, xid: %s, result: %s, err: %v", xid, result, err)
	} else {
		log.InfoContextf(ctx, "tx finished, xid: %s, result: %s", xid, result)
	}
	m.metrics.recordOutcome(ctx, result)
	t.tx.resolve(err)
}
