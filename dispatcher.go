package goxa

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// mailbox actor 的有界收件箱
type mailbox struct {
	name string
	ch   chan Event
	// 收件箱满时直接丢弃事件，用于外部订阅者
	lossy bool
}

func newMailbox(name string, size int) *mailbox {
	return &mailbox{name: name, ch: make(chan Event, size)}
}

// offer 非阻塞投递. 收件箱满时转为后台 goroutine 投递，发布方永远不会被阻塞
func (m *mailbox) offer(ctx context.Context, ev Event) {
	select {
	case m.ch <- ev:
		return
	default:
	}
	if m.lossy {
		log.Debugf("mailbox %s full, dropping %s", m.name, ev.Kind())
		return
	}
	log.Debugf("mailbox %s full, deferring %s", m.name, ev.Kind())
	go m.post(ctx, ev)
}

// post 阻塞投递，直到被接收或者 ctx 终止
func (m *mailbox) post(ctx context.Context, ev Event) {
	select {
	case m.ch <- ev:
	case <-ctx.Done():
	}
}

// Dispatcher 按事件类型扇出的发布订阅中心. 投递是 fire-and-forget 的，
// 发布方不会等待订阅方处理完成
type Dispatcher struct {
	ctx  context.Context
	mux  sync.RWMutex
	subs map[EventKind][]*mailbox
	size int
}

func NewDispatcher(ctx context.Context, inboxSize int) *Dispatcher {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	return &Dispatcher{
		ctx:  ctx,
		subs: make(map[EventKind][]*mailbox),
		size: inboxSize,
	}
}

func (d *Dispatcher) subscribe(m *mailbox, kinds ...EventKind) {
	d.mux.Lock()
	defer d.mux.Unlock()
	for _, kind := range kinds {
		d.subs[kind] = append(d.subs[kind], m)
	}
}

// Subscribe 以只读 channel 的形式订阅指定类型的事件，供外部观察协议流转.
// channel 容量与 actor 收件箱一致，读取不及时导致 channel 写满时，后续事件会被丢弃
func (d *Dispatcher) Subscribe(name string, kinds ...EventKind) <-chan Event {
	m := newMailbox(name, d.size)
	m.lossy = true
	d.subscribe(m, kinds...)
	return m.ch
}

func (d *Dispatcher) Publish(ev Event) {
	d.mux.RLock()
	subs := d.subs[ev.Kind()]
	d.mux.RUnlock()
	for _, m := range subs {
		m.offer(d.ctx, ev)
	}
}

// handler 单线程 actor 的事件处理入口，每个 actor 只有一个类型分派 switch
type handler interface {
	handle(ctx context.Context, ev Event)
}

// actor 持有收件箱，每次只处理一个事件，因此内部状态无需加锁
type actor struct {
	mailbox *mailbox
	handler handler
}

func newActor(d *Dispatcher, name string, h handler, kinds ...EventKind) *actor {
	a := &actor{
		mailbox: newMailbox(name, d.size),
		handler: h,
	}
	d.subscribe(a.mailbox, kinds...)
	return a
}

func (a *actor) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.mailbox.ch:
			a.handler.handle(ctx, ev)
		}
	}
}

// self 将异步调用的结果投回 actor 自己的收件箱
func (a *actor) self(ctx context.Context, ev Event) {
	a.mailbox.post(ctx, ev)
}
