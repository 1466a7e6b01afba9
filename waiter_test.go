package goxa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSubordinateTX(t *testing.T) *Transaction {
	gen, err := NewXidGenerator("node-a", nil)
	require.NoError(t, err)
	return newTransaction(gen.Branch(gen.Global()), "node-b", time.Now().Add(time.Minute))
}

// received 非阻塞地读取所有已经投递的事件
func received(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(20 * time.Millisecond):
			return events
		}
	}
}

func Test_prepareWaiter(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "superior_passes_through",
			f: func(t *testing.T) {
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindPrepareTransaction)
				w := newPrepareWaiter(d, realClock{}, time.Minute)

				gen, err := NewXidGenerator("node-a", nil)
				require.NoError(t, err)
				tx := newTransaction(gen.Global(), "node-a", time.Now().Add(time.Minute))
				w.handle(ctx, TwoPCRequest{Tx: tx})
				assert.Len(t, received(out), 1)
			},
		},
		{
			name: "request_then_order",
			f: func(t *testing.T) {
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindPrepareTransaction)
				w := newPrepareWaiter(d, realClock{}, time.Minute)
				tx := newSubordinateTX(t)

				w.handle(ctx, TwoPCRequest{Tx: tx})
				assert.Empty(t, received(out))
				w.handle(ctx, PrepareOrder{Xid: tx.Xid()})
				events := received(out)
				require.Len(t, events, 1)
				assert.Equal(t, tx, events[0].(PrepareTransaction).Tx)
				assert.Empty(t, w.requested)
			},
		},
		{
			name: "order_then_request",
			f: func(t *testing.T) {
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindPrepareTransaction)
				w := newPrepareWaiter(d, realClock{}, time.Minute)
				tx := newSubordinateTX(t)

				w.handle(ctx, PrepareOrder{Xid: tx.Xid()})
				assert.Empty(t, received(out))
				w.handle(ctx, TwoPCRequest{Tx: tx})
				require.Len(t, received(out), 1)
				assert.Empty(t, w.ordered)
			},
		},
		{
			name: "stale_order_purged",
			f: func(t *testing.T) {
				clock := newManualClock()
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindPrepareTransaction)
				w := newPrepareWaiter(d, clock, time.Minute)
				tx := newSubordinateTX(t)

				w.handle(ctx, PrepareOrder{Xid: tx.Xid()})
				clock.Advance(2 * time.Minute)
				w.handle(ctx, Tick{})
				assert.Empty(t, w.ordered)
				w.handle(ctx, TwoPCRequest{Tx: tx})
				assert.Empty(t, received(out))
			},
		},
		{
			name: "rollback_order_forgets",
			f: func(t *testing.T) {
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindPrepareTransaction)
				w := newPrepareWaiter(d, realClock{}, time.Minute)
				tx := newSubordinateTX(t)

				w.handle(ctx, TwoPCRequest{Tx: tx})
				w.handle(ctx, RollbackOrder{Xid: tx.Xid()})
				w.handle(ctx, PrepareOrder{Xid: tx.Xid()})
				assert.Empty(t, received(out))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_commitWaiter(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "prepared_then_order",
			f: func(t *testing.T) {
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindCommitTransaction)
				w := newCommitWaiter(d, realClock{}, time.Minute)
				tx := newSubordinateTX(t)

				w.handle(ctx, TransactionPrepared{Tx: tx})
				assert.Empty(t, received(out))
				w.handle(ctx, CommitOrder{Xid: tx.Xid()})
				events := received(out)
				require.Len(t, events, 1)
				assert.Equal(t, tx, events[0].(CommitTransaction).Tx)
			},
		},
		{
			name: "order_then_prepared",
			f: func(t *testing.T) {
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindCommitTransaction)
				w := newCommitWaiter(d, realClock{}, time.Minute)
				tx := newSubordinateTX(t)

				w.handle(ctx, CommitOrder{Xid: tx.Xid()})
				assert.Empty(t, received(out))
				w.handle(ctx, TransactionPrepared{Tx: tx})
				require.Len(t, received(out), 1)
				assert.Empty(t, w.ordered)
				assert.Empty(t, w.prepared)
			},
		},
		{
			name: "rollback_order_forgets",
			f: func(t *testing.T) {
				d := NewDispatcher(ctx, 8)
				out := d.Subscribe("test", KindCommitTransaction)
				w := newCommitWaiter(d, realClock{}, time.Minute)
				tx := newSubordinateTX(t)

				w.handle(ctx, TransactionPrepared{Tx: tx})
				w.handle(ctx, RollbackOrder{Xid: tx.Xid()})
				w.handle(ctx, CommitOrder{Xid: tx.Xid()})
				assert.Empty(t, received(out))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_timer(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	d := NewDispatcher(ctx, 8)
	out := d.Subscribe("test", KindTimeout)
	tm := newTimer(d, clock, 10*time.Second, time.Second)

	gen, err := NewXidGenerator("node-a", clock.Now)
	require.NoError(t, err)
	expiring := newTransaction(gen.Global(), "node-a", clock.Now().Add(5*time.Second))
	done := newTransaction(gen.Global(), "node-a", clock.Now().Add(5*time.Second))
	rollingBack := newTransaction(gen.Global(), "node-a", clock.Now().Add(5*time.Second))

	tm.handle(ctx, TwoPCRequest{Tx: expiring})
	tm.handle(ctx, TwoPCRequest{Tx: done})
	tm.handle(ctx, TwoPCDone{Xid: done.Xid()})
	tm.handle(ctx, RollbackRequest{Tx: rollingBack})

	tm.handle(ctx, Tick{Now: clock.Now().Add(4 * time.Second)})
	assert.Empty(t, received(out))

	tm.handle(ctx, Tick{Now: clock.Now().Add(6 * time.Second)})
	events := received(out)
	require.Len(t, events, 1)
	assert.Equal(t, expiring.Xid(), events[0].(Timeout).Xid)

	// 回滚至少有一个完整的超时周期
	tm.handle(ctx, Tick{Now: clock.Now().Add(11 * time.Second)})
	events = received(out)
	require.Len(t, events, 1)
	assert.Equal(t, rollingBack.Xid(), events[0].(Timeout).Xid)
	assert.Empty(t, tm.deadlines)
}
