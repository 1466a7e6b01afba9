package goxa

import (
	"context"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// timer 跟踪每笔进行中事务的截止时间，心跳到达时对过期的事务发布 Timeout
type timer struct {
	*actor
	d         *Dispatcher
	clock     Clock
	timeout   time.Duration
	heartbeat time.Duration
	deadlines map[Xid]time.Time
}

func newTimer(d *Dispatcher, clock Clock, timeout, heartbeat time.Duration) *timer {
	t := &timer{
		d:         d,
		clock:     clock,
		timeout:   timeout,
		heartbeat: heartbeat,
		deadlines: make(map[Xid]time.Time),
	}
	t.actor = newActor(d, "timer", t,
		KindTwoPCRequest, KindRollbackRequest,
		KindTwoPCDone, KindTwoPCFailed, KindRollbackDone, KindRollbackFailed,
	)
	return t
}

func (t *timer) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case TwoPCRequest:
		t.deadlines[e.Tx.Xid()] = e.Tx.ExpireAt()
	case RollbackRequest:
		// 回滚至少还有一个完整的超时周期
		deadline := t.clock.Now().Add(t.timeout)
		if e.Tx.ExpireAt().After(deadline) {
			deadline = e.Tx.ExpireAt()
		}
		t.deadlines[e.Tx.Xid()] = deadline

	case TwoPCDone:
		delete(t.deadlines, e.Xid)
	case TwoPCFailed:
		delete(t.deadlines, e.Xid)
	case RollbackDone:
		delete(t.deadlines, e.Xid)
	case RollbackFailedEvent:
		delete(t.deadlines, e.Xid)

	case Tick:
		for xid, deadline := range t.deadlines {
			if e.Now.Before(deadline) {
				continue
			}
			delete(t.deadlines, xid)
			log.WarnContextf(ctx, "tx timed out, xid: %s, deadline: %s", xid, deadline.Format(time.RFC3339Nano))
			t.d.Publish(Timeout{Xid: xid})
		}
	}
}

// beat 心跳 goroutine，按固定间隔向 timer 自身投递 Tick
func (t *timer) beat(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.clock.After(t.heartbeat):
			t.self(ctx, Tick{Now: now})
		}
	}
}
