package goxa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// TXManager 事务协调者入口.
// 1. 事务日志存储模块
// 2. 资源注册模块
// 3. 通过 dispatcher 串联各个协调 actor
type TXManager struct {
	ctx            context.Context
	stop           context.CancelFunc
	wg             sync.WaitGroup
	opts           *Options
	gen            *XidGenerator
	journal        *Journal
	registryCenter *registryCenter
	dispatcher     *Dispatcher
	inflight       *inflightSet
}

func NewTXManager(store JournalStore, opts ...Option) (*TXManager, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	repair(options)

	gen, err := NewXidGenerator(options.ServerID, options.Clock.Now)
	if err != nil {
		return nil, err
	}

	registry := newRegistryCenter()
	for _, resource := range options.Resources {
		if err := registry.register(resource); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics := newTXMetrics()
	journal := NewJournal(options.ServerID, store, options.Clock)
	journal.metrics = metrics
	dispatcher := NewDispatcher(ctx, options.InboxSize)

	txManager := &TXManager{
		ctx:            ctx,
		stop:           cancel,
		opts:           options,
		gen:            gen,
		journal:        journal,
		registryCenter: registry,
		dispatcher:     dispatcher,
		inflight:       newInflightSet(),
	}

	timer := newTimer(dispatcher, options.Clock, options.Timeout, options.Heartbeat)
	actors := []*actor{
		newManager(dispatcher, txManager.inflight, metrics).actor,
		newPrepareWaiter(dispatcher, options.Clock, options.Timeout).actor,
		newPreparer(dispatcher, options.PeerResolver).actor,
		newCommitWaiter(dispatcher, options.Clock, options.Timeout).actor,
		newCommitter(dispatcher, journal, options.PeerResolver).actor,
		newRollbacker(dispatcher, journal, options.PeerResolver).actor,
		timer.actor,
		newRecoverer(dispatcher, options.ServerID, journal, txManager.registryCenter, txManager.inflight, metrics, options).actor,
	}
	for _, a := range actors {
		txManager.wg.Add(1)
		go a.run(ctx, &txManager.wg)
	}
	txManager.wg.Add(1)
	go timer.beat(ctx, &txManager.wg)

	if options.RecoverOnStart {
		txManager.wg.Add(1)
		go func() {
			defer txManager.wg.Done()
			if _, err := txManager.Recover(ctx); err != nil {
				log.WarnContextf(ctx, "startup recovery finished with errors, err: %v", err)
			}
		}()
	}

	if options.MonitorTick > 0 {
		txManager.wg.Add(1)
		go txManager.run()
	}

	log.Infof("tx manager started, server id: %s", options.ServerID)
	return txManager, nil
}

// Stop 停止所有 actor. 仍在等待结果的调用方会收到 ErrStopped
func (t *TXManager) Stop() {
	t.stop()
	t.wg.Wait()
}

func (t *TXManager) ServerID() string {
	return t.opts.ServerID
}

// Dispatcher 暴露事件中心，供外部观察协议流转
func (t *TXManager) Dispatcher() *Dispatcher {
	return t.dispatcher
}

func (t *TXManager) Register(resource Resource) error {
	return t.registryCenter.register(resource)
}

func (t *TXManager) stopped() bool {
	return t.ctx.Err() != nil
}

// Begin 由本 server 发起一笔新的全局事务
func (t *TXManager) Begin(ctx context.Context) (*Transaction, error) {
	if t.stopped() {
		return nil, ErrStopped
	}
	xid := t.gen.Global()
	tx := newTransaction(xid, t.opts.ServerID, t.opts.Clock.Now().Add(t.opts.Timeout))
	log.DebugContextf(ctx, "tx begin, xid: %s", xid)
	return tx, nil
}

// Join 以下级身份加入上级签发的事务，xid 为上级登记本 server 时生成的分支 xid
func (t *TXManager) Join(ctx context.Context, xidStr string) (*Transaction, error) {
	if t.stopped() {
		return nil, ErrStopped
	}
	xid, err := ParseXid(xidStr)
	if err != nil {
		return nil, err
	}
	if len(xid.BranchID()) == 0 || xid.BranchServerID() == t.opts.ServerID {
		return nil, fmt.Errorf("%w: %s is not a branch issued by a superior", ErrInvalidXid, xidStr)
	}
	tx := newTransaction(xid, t.opts.ServerID, t.opts.Clock.Now().Add(t.opts.Timeout))
	log.DebugContextf(ctx, "tx joined, xid: %s, superior: %s", xid, tx.SuperiorID())
	return tx, nil
}

// Enlist 在资源上开启一个新的分支，返回资源的原生句柄
func (t *TXManager) Enlist(ctx context.Context, tx *Transaction, name string) (interface{}, error) {
	resource, err := t.registryCenter.getResource(name)
	if err != nil {
		return nil, err
	}
	branch := t.gen.Branch(tx.Xid())
	handle, err := resource.Start(ctx, branch)
	if err != nil {
		return nil, err
	}
	if err := tx.addResource(ResourceBranch{Xid: branch, Resource: resource}); err != nil {
		if _err := resource.Rollback(ctx, branch); _err != nil {
			log.WarnContextf(ctx, "rollback unenlisted branch failed, branch: %s, err: %v", branch, _err)
		}
		return nil, err
	}
	return handle, nil
}

// EnlistPeer 将远端协调者登记为下级分支，返回需要传递给下级用于 Join 的 xid
func (t *TXManager) EnlistPeer(ctx context.Context, tx *Transaction, serverID string) (Xid, error) {
	peer, err := t.opts.PeerResolver.Peer(serverID)
	if err != nil {
		return Xid{}, err
	}
	branch := t.gen.Branch(tx.Xid())
	if err := tx.addPeer(PeerBranch{Xid: branch, Peer: peer}); err != nil {
		return Xid{}, err
	}
	return branch, nil
}

// Commit 提交事务并阻塞等待最终结果
func (t *TXManager) Commit(ctx context.Context, tx *Transaction) error {
	return t.submit(ctx, tx, UserCommit{Tx: tx})
}

// Rollback 回滚事务并阻塞等待最终结果
func (t *TXManager) Rollback(ctx context.Context, tx *Transaction) error {
	return t.submit(ctx, tx, UserRollback{Tx: tx})
}

func (t *TXManager) submit(ctx context.Context, tx *Transaction, ev Event) error {
	if t.stopped() {
		return ErrStopped
	}
	if err := tx.seal(); err != nil {
		return err
	}
	t.inflight.add(tx.Xid())
	t.dispatcher.Publish(ev)
	return tx.wait(ctx, t.ctx.Done())
}

// Recover 执行一轮恢复. 已有恢复在执行时返回 ErrRecoveryRunning
func (t *TXManager) Recover(ctx context.Context) (*RecoveryReport, error) {
	if t.stopped() {
		return nil, ErrStopped
	}
	reply := make(chan *RecoveryReport, 1)
	t.dispatcher.Publish(RecoveryRequest{Reply: reply})
	select {
	case report := <-reply:
		if report == nil {
			return nil, ErrRecoveryRunning
		}
		return report, report.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrStopped
	}
}

func (t *TXManager) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := t.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

// run 周期性执行恢复
func (t *TXManager) run() {
	defer t.wg.Done()
	var tick time.Duration
	var err error
	for {
		// 如果出现了失败，tick 需要避让，遵循退避策略增大 tick 间隔时长
		if err == nil {
			tick = t.opts.MonitorTick
		} else {
			tick = t.backOffTick(tick)
		}
		select {
		case <-t.ctx.Done():
			return

		case <-t.opts.Clock.After(tick):
			if _, err = t.Recover(t.ctx); err != nil {
				// 其他节点或者其他调用方正在恢复时，不对 tick 进行退避升级
				if errors.Is(err, ErrRecoveryRunning) {
					err = nil
					continue
				}
				log.WarnContextf(t.ctx, "periodic recovery finished with errors, err: %v", err)
			}
		}
	}
}

// OrderPrepare 上级下发 prepare 指令
func (t *TXManager) OrderPrepare(ctx context.Context, xid Xid) error {
	return t.publishOrder(ctx, xid, PrepareOrder{Xid: xid})
}

// OrderCommit 上级下发提交指令
func (t *TXManager) OrderCommit(ctx context.Context, xid Xid) error {
	return t.publishOrder(ctx, xid, CommitOrder{Xid: xid})
}

// OrderRollback 上级下发回滚指令
func (t *TXManager) OrderRollback(ctx context.Context, xid Xid) error {
	return t.publishOrder(ctx, xid, RollbackOrder{Xid: xid})
}

// publishOrder 本 server 发起的全局事务只由自己的日志决议，拒绝其他 server 的指令
func (t *TXManager) publishOrder(ctx context.Context, xid Xid, ev Event) error {
	if xid.SuperiorID() == t.opts.ServerID {
		log.WarnContextf(ctx, "reject %s for own tx, xid: %s", ev.Kind(), xid)
		return fmt.Errorf("%w: %s is issued by %s itself", ErrInvalidXid, xid, t.opts.ServerID)
	}
	return t.publishInbound(ctx, ev)
}

// NotifyReady 下级上报 ready
func (t *TXManager) NotifyReady(ctx context.Context, xid Xid) error {
	return t.publishInbound(ctx, SubordinateReady{Xid: xid})
}

// NotifyDone 下级上报 done
func (t *TXManager) NotifyDone(ctx context.Context, xid Xid) error {
	return t.publishInbound(ctx, SubordinateDone{Xid: xid})
}

func (t *TXManager) publishInbound(ctx context.Context, ev Event) error {
	if t.stopped() {
		return ErrStopped
	}
	log.DebugContextf(ctx, "inbound %s, xid: %s", ev.Kind(), eventXid(ev))
	t.dispatcher.Publish(ev)
	return nil
}

// Retry 下级请求重新下发全局事务的决议. 决议通过指令异步下发，
// 日志中没有决议时推定回滚
func (t *TXManager) Retry(ctx context.Context, from string, xid Xid) error {
	if t.stopped() {
		return ErrStopped
	}
	global := xid.Global()
	if global.SuperiorID() != t.opts.ServerID {
		return fmt.Errorf("%w: %s is not issued by %s", ErrInvalidXid, xid, t.opts.ServerID)
	}
	peer, err := t.opts.PeerResolver.Peer(from)
	if err != nil {
		return err
	}
	// 事务仍在进行中，决议会随正常流程下发
	if t.inflight.has(global) {
		log.InfoContextf(ctx, "ignore retry of in-flight tx, xid: %s, from: %s", global, from)
		return nil
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		decision, ok, err := t.journal.DecisionOf(t.ctx, global)
		if err != nil {
			log.ErrorContextf(t.ctx, "query decision for retry failed, xid: %s, err: %v", global, err)
			return
		}
		if !ok {
			decision = DecisionRollback
		}
		if err := sendOrder(t.ctx, peer, global, decision); err != nil {
			log.WarnContextf(t.ctx, "answer retry failed, xid: %s, to: %s, decision: %s, err: %v", global, from, decision, err)
			return
		}
		log.InfoContextf(t.ctx, "answered retry, xid: %s, to: %s, decision: %s", global, from, decision)
	}()
	return nil
}

// InDoubt 返回由 superiorID 发起、本 server 上仍处于 prepared 状态的全局事务
func (t *TXManager) InDoubt(ctx context.Context, superiorID string) ([]Xid, error) {
	if t.stopped() {
		return nil, ErrStopped
	}
	seen := make(map[Xid]struct{})
	var globals []Xid
	for _, resource := range t.registryCenter.all() {
		xids, err := resource.Recover(ctx)
		if err != nil {
			return nil, &RecoveryResourceScanFailed{Resource: resource.Name(), Cause: err}
		}
		for _, xid := range xids {
			if xid.SuperiorID() != superiorID || xid.BranchServerID() != t.opts.ServerID {
				continue
			}
			if t.inflight.has(xid) {
				continue
			}
			global := xid.Global()
			if _, ok := seen[global]; ok {
				continue
			}
			seen[global] = struct{}{}
			globals = append(globals, global)
		}
	}
	return globals, nil
}

var _ Inbound = (*TXManager)(nil)
