package goxa

import (
	"context"
	"time"
)

// prepareWaiter 下级事务必须同时收到本地的 2pc 请求和上级的 prepare 指令才能开始第一阶段，
// 两个信号可以以任意顺序到达. 上级事务直接放行
type prepareWaiter struct {
	*actor
	d         *Dispatcher
	clock     Clock
	ttl       time.Duration
	requested map[Xid]*Transaction
	ordered   map[Xid]time.Time
}

func newPrepareWaiter(d *Dispatcher, clock Clock, ttl time.Duration) *prepareWaiter {
	w := &prepareWaiter{
		d:         d,
		clock:     clock,
		ttl:       ttl,
		requested: make(map[Xid]*Transaction),
		ordered:   make(map[Xid]time.Time),
	}
	w.actor = newActor(d, "prepare-waiter", w,
		KindTwoPCRequest, KindPrepareOrder,
		KindTwoPCFailed, KindTimeout, KindRollbackOrder,
	)
	return w
}

func (w *prepareWaiter) handle(ctx context.Context, ev Event) {
	defer w.purge()

	switch e := ev.(type) {
	case TwoPCRequest:
		tx := e.Tx
		if tx.IsSuperior() {
			w.d.Publish(PrepareTransaction{Tx: tx})
			return
		}
		if _, ok := w.ordered[tx.Xid()]; ok {
			delete(w.ordered, tx.Xid())
			w.d.Publish(PrepareTransaction{Tx: tx})
			return
		}
		w.requested[tx.Xid()] = tx

	case PrepareOrder:
		if tx, ok := w.requested[e.Xid]; ok {
			delete(w.requested, e.Xid)
			w.d.Publish(PrepareTransaction{Tx: tx})
			return
		}
		w.ordered[e.Xid] = w.clock.Now()

	case TwoPCFailed:
		w.forget(e.Xid)
	case Timeout:
		w.forget(e.Xid)
	case RollbackOrder:
		w.forget(e.Xid)
	}
}

func (w *prepareWaiter) forget(xid Xid) {
	delete(w.requested, xid)
	delete(w.ordered, xid)
}

// purge 清理一直没有等到本地请求的 prepare 指令
func (w *prepareWaiter) purge() {
	expired := w.clock.Now().Add(-w.ttl)
	for xid, at := range w.ordered {
		if at.Before(expired) {
			delete(w.ordered, xid)
		}
	}
}
