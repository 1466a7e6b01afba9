package goxa

import (
	"context"
	"time"
)

// commitWaiter 下级事务 prepared 之后还需要等待上级的提交指令，两者顺序不定.
// 上级事务的 prepared 即是自己的提交决议
type commitWaiter struct {
	*actor
	d        *Dispatcher
	clock    Clock
	ttl      time.Duration
	prepared map[Xid]*Transaction
	ordered  map[Xid]time.Time
}

func newCommitWaiter(d *Dispatcher, clock Clock, ttl time.Duration) *commitWaiter {
	w := &commitWaiter{
		d:        d,
		clock:    clock,
		ttl:      ttl,
		prepared: make(map[Xid]*Transaction),
		ordered:  make(map[Xid]time.Time),
	}
	w.actor = newActor(d, "commit-waiter", w,
		KindTransactionPrepared, KindCommitOrder,
		KindRollbackOrder, KindTwoPCFailed, KindTimeout, KindRollbackDone, KindRollbackFailed,
	)
	return w
}

func (w *commitWaiter) handle(ctx context.Context, ev Event) {
	defer w.purge()

	switch e := ev.(type) {
	case TransactionPrepared:
		tx := e.Tx
		if tx.IsSuperior() {
			w.d.Publish(CommitTransaction{Tx: tx})
			return
		}
		if _, ok := w.ordered[tx.Xid()]; ok {
			delete(w.ordered, tx.Xid())
			w.d.Publish(CommitTransaction{Tx: tx})
			return
		}
		w.prepared[tx.Xid()] = tx

	case CommitOrder:
		if tx, ok := w.prepared[e.Xid]; ok {
			delete(w.prepared, e.Xid)
			w.d.Publish(CommitTransaction{Tx: tx})
			return
		}
		w.ordered[e.Xid] = w.clock.Now()

	case RollbackOrder:
		w.forget(e.Xid)
	case TwoPCFailed:
		w.forget(e.Xid)
	case Timeout:
		w.forget(e.Xid)
	case RollbackDone:
		w.forget(e.Xid)
	case RollbackFailedEvent:
		w.forget(e.Xid)
	}
}

func (w *commitWaiter) forget(xid Xid) {
	delete(w.prepared, xid)
	delete(w.ordered, xid)
}

func (w *commitWaiter) purge() {
	expired := w.clock.Now().Add(-w.ttl)
	for xid, at := range w.ordered {
		if at.Before(expired) {
			delete(w.ordered, xid)
		}
	}
}
