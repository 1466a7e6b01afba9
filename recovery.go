package goxa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// RecoveryReport 单轮恢复的结果
type RecoveryReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	// 被提交的分支
	Committed []Xid
	// 被回滚的分支，包括推定回滚
	RolledBack []Xid
	// 资源侧已经不存在、直接在日志中补写完成记录的分支
	Completed []Xid
	// 向上级请求重新下发决议的全局事务
	Retried []Xid
	Errors  []error
}

func (r *RecoveryReport) Err() error {
	return errors.Join(r.Errors...)
}

type scanKey struct {
	name string
	peer bool
}

// retryWait 本 server 作为下级，等待上级重新下发决议的分支
type retryWait struct {
	superior string
	branches []ResourceBranch
}

// peerWait 本 server 作为上级，等待下级上报 done 的分支
type peerWait struct {
	peer     string
	decision Decision
}

type recoveryPass struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	report *RecoveryReport
	reply  chan<- *RecoveryReport

	journalDone bool
	journalErr  error
	dangling    map[string]map[Xid]Decision

	// 尚未返回结果的扫描
	pending map[scanKey]struct{}
	// 扫描成功的结果. 经典资源为分支 xid，下级为全局 xid
	scanned  map[scanKey][]Xid
	resolved bool

	retries   map[Xid]*retryWait
	peerWaits map[Xid]peerWait
}

// recoverer 恢复协调者. 同一时刻只允许一轮恢复在执行
type recoverer struct {
	*actor
	d        *Dispatcher
	serverID string
	journal  *Journal
	registry *registryCenter
	peers    PeerResolver
	locker   RecoveryLocker
	inflight *inflightSet
	clock    Clock
	timeout  time.Duration
	metrics  *txMetrics

	seq  uint64
	pass *recoveryPass
}

func newRecoverer(d *Dispatcher, serverID string, journal *Journal, registry *registryCenter, inflight *inflightSet, metrics *txMetrics, opts *Options) *recoverer {
	r := &recoverer{
		d:        d,
		serverID: serverID,
		journal:  journal,
		registry: registry,
		peers:    opts.PeerResolver,
		locker:   opts.RecoveryLocker,
		inflight: inflight,
		clock:    opts.Clock,
		timeout:  opts.RecoveryTimeout,
		metrics:  metrics,
	}
	r.actor = newActor(d, "recoverer", r, KindRecoveryRequest, KindOrphanOrder, KindSubordinateDone)
	return r
}

func (r *recoverer) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case RecoveryRequest:
		r.start(ctx, e.Reply)

	case JournalScanned:
		pass := r.current(e.Pass)
		if pass == nil {
			return
		}
		pass.journalDone = true
		pass.journalErr = e.Err
		pass.dangling = e.Dangling
		if e.Err != nil {
			log.ErrorContextf(ctx, "recovery journal scan failed, pass: %d, err: %v", pass.id, e.Err)
			pass.report.Errors = append(pass.report.Errors, fmt.Errorf("journal scan: %w", e.Err))
		}
		r.tryResolve(ctx, pass)

	case ResourceScanned:
		pass := r.current(e.Pass)
		if pass == nil {
			return
		}
		key := scanKey{name: e.Resource, peer: e.Peer}
		delete(pass.pending, key)
		if e.Err != nil {
			log.WarnContextf(ctx, "recovery scan skipped, pass: %d, resource: %s, err: %v", pass.id, e.Resource, e.Err)
			pass.report.Errors = append(pass.report.Errors, &RecoveryResourceScanFailed{Resource: e.Resource, Cause: e.Err})
		} else {
			pass.scanned[key] = e.Xids
		}
		r.tryResolve(ctx, pass)

	case RecoveryDeadline:
		pass := r.current(e.Pass)
		if pass == nil {
			return
		}
		for global, w := range pass.retries {
			pass.report.Errors = append(pass.report.Errors, fmt.Errorf("recovery deadline exceeded, no decision from superior %s for %s", w.superior, global))
		}
		for branch, w := range pass.peerWaits {
			pass.report.Errors = append(pass.report.Errors, fmt.Errorf("recovery deadline exceeded, no done from subordinate %s for %s", w.peer, branch))
		}
		pass.retries = map[Xid]*retryWait{}
		pass.peerWaits = map[Xid]peerWait{}
		pass.resolved = true
		r.finish(ctx, pass)

	case OrphanOrder:
		r.orphan(ctx, e)

	case SubordinateDone:
		pass := r.pass
		if pass == nil {
			return
		}
		w, ok := pass.peerWaits[e.Xid]
		if !ok {
			return
		}
		delete(pass.peerWaits, e.Xid)
		if err := r.journal.LogComplete(pass.ctx, e.Xid, w.peer, w.decision); err != nil {
			pass.report.Errors = append(pass.report.Errors, err)
		}
		r.record(ctx, pass.report, e.Xid, w.decision)
		r.tryFinish(ctx, pass)
	}
}

func (r *recoverer) current(id uint64) *recoveryPass {
	if r.pass == nil || r.pass.id != id {
		return nil
	}
	return r.pass
}

func (r *recoverer) start(ctx context.Context, reply chan<- *RecoveryReport) {
	if r.pass != nil {
		log.WarnContextf(ctx, "recovery already running, pass: %d", r.pass.id)
		answer(reply, nil)
		return
	}

	report := &RecoveryReport{StartedAt: r.clock.Now()}
	if r.locker != nil {
		if err := r.locker.Lock(ctx, r.timeout); err != nil {
			log.WarnContextf(ctx, "acquire recovery lock failed, err: %v", err)
			// 锁被其他节点持有，视同恢复正在执行
			report.Errors = append(report.Errors, fmt.Errorf("%w: acquire recovery lock: %v", ErrRecoveryRunning, err))
			report.FinishedAt = r.clock.Now()
			answer(reply, report)
			return
		}
	}

	r.seq++
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	pass := &recoveryPass{
		id:        r.seq,
		ctx:       pctx,
		cancel:    cancel,
		report:    report,
		reply:     reply,
		pending:   make(map[scanKey]struct{}),
		scanned:   make(map[scanKey][]Xid),
		retries:   make(map[Xid]*retryWait),
		peerWaits: make(map[Xid]peerWait),
	}
	r.pass = pass
	log.InfoContextf(ctx, "recovery pass %d started", pass.id)

	id := pass.id
	go func() {
		dangling, err := r.journal.FindDangling(pctx)
		r.self(ctx, JournalScanned{Pass: id, Dangling: dangling, Err: err})
	}()

	for _, resource := range r.registry.all() {
		// shadow
		resource := resource
		pass.pending[scanKey{name: resource.Name()}] = struct{}{}
		go func() {
			xids, err := resource.Recover(pctx)
			r.self(ctx, ResourceScanned{Pass: id, Resource: resource.Name(), Xids: r.ownBranches(xids), Err: err})
		}()
	}

	for _, peer := range r.peers.Peers() {
		peer := peer
		pass.pending[scanKey{name: peer.ServerID(), peer: true}] = struct{}{}
		go func() {
			xids, err := peer.InDoubt(pctx)
			r.self(ctx, ResourceScanned{Pass: id, Resource: peer.ServerID(), Peer: true, Xids: r.ownGlobals(xids), Err: err})
		}()
	}

	go func() {
		select {
		case <-r.clock.After(r.timeout):
			r.self(ctx, RecoveryDeadline{Pass: id})
		case <-pctx.Done():
		}
	}()
}

// ownBranches 只保留由本 server 登记的分支
func (r *recoverer) ownBranches(xids []Xid) []Xid {
	own := make([]Xid, 0, len(xids))
	for _, xid := range xids {
		if xid.BranchServerID() == r.serverID {
			own = append(own, xid)
		}
	}
	return own
}

// ownGlobals 只保留由本 server 发起的全局事务
func (r *recoverer) ownGlobals(xids []Xid) []Xid {
	own := make([]Xid, 0, len(xids))
	for _, xid := range xids {
		if xid.SuperiorID() == r.serverID {
			own = append(own, xid.Global())
		}
	}
	return own
}

func (r *recoverer) tryResolve(ctx context.Context, pass *recoveryPass) {
	if pass.resolved || !pass.journalDone || len(pass.pending) > 0 {
		return
	}
	pass.resolved = true

	// 同一全局事务的所有分支共享一个决议
	decisions := make(map[Xid]Decision)
	for _, branches := range pass.dangling {
		for xid, decision := range branches {
			decisions[xid.Global()] = decision
		}
	}

	r.resolveResources(ctx, pass, decisions)
	r.resolvePeers(ctx, pass, decisions)
	r.completeDangling(ctx, pass)
	r.sendRetries(ctx, pass)
	r.tryFinish(ctx, pass)
}

func (r *recoverer) resolveResources(ctx context.Context, pass *recoveryPass, decisions map[Xid]Decision) {
	for _, resource := range r.registry.all() {
		xids, ok := pass.scanned[scanKey{name: resource.Name()}]
		if !ok {
			continue
		}
		for _, xid := range xids {
			if r.inflight.has(xid) {
				continue
			}

			decision, known, err := r.decisionOf(pass, decisions, resource.Name(), xid)
			if err != nil {
				pass.report.Errors = append(pass.report.Errors, err)
				continue
			}
			if known {
				r.applyAndRecord(ctx, pass.ctx, pass.report, resource, xid, decision, true)
				continue
			}

			if xid.SuperiorID() == r.serverID {
				// 日志不可用时无法确认决议是否存在，本轮不做推定回滚
				if pass.journalErr != nil {
					continue
				}
				r.applyAndRecord(ctx, pass.ctx, pass.report, resource, xid, DecisionRollback, false)
				continue
			}

			// 本 server 是下级，只有上级知道决议
			global := xid.Global()
			w, ok := pass.retries[global]
			if !ok {
				w = &retryWait{superior: xid.SuperiorID()}
				pass.retries[global] = w
			}
			w.branches = append(w.branches, ResourceBranch{Xid: xid, Resource: resource})
		}
	}
}

func (r *recoverer) decisionOf(pass *recoveryPass, decisions map[Xid]Decision, name string, xid Xid) (Decision, bool, error) {
	if decision, ok := pass.dangling[name][xid]; ok {
		return decision, true, nil
	}
	if decision, ok := decisions[xid.Global()]; ok {
		return decision, true, nil
	}
	if pass.journalErr != nil {
		return 0, false, nil
	}
	decision, ok, err := r.journal.DecisionOf(pass.ctx, xid)
	if err != nil {
		return 0, false, fmt.Errorf("query decision of %s: %w", xid, err)
	}
	return decision, ok, nil
}

// resolvePeers 本 server 作为上级，处理下级上报的悬而未决的全局事务
func (r *recoverer) resolvePeers(ctx context.Context, pass *recoveryPass, decisions map[Xid]Decision) {
	for _, peer := range r.peers.Peers() {
		globals, ok := pass.scanned[scanKey{name: peer.ServerID(), peer: true}]
		if !ok {
			continue
		}
		reported := make(map[Xid]struct{}, len(globals))
		for _, global := range globals {
			reported[global] = struct{}{}
		}

		// 日志中有决议的下级分支: 重新下发决议，等待 done 后补写完成记录
		ordered := make(map[Xid]struct{})
		for branch, decision := range pass.dangling[peer.ServerID()] {
			if _, ok := reported[branch.Global()]; !ok || r.inflight.has(branch) {
				continue
			}
			ordered[branch.Global()] = struct{}{}
			if err := sendOrder(pass.ctx, peer, branch, decision); err != nil {
				pass.report.Errors = append(pass.report.Errors, &BranchFailed{Branch: branch, Resource: peer.ServerID(), Decision: decision, Cause: err})
				continue
			}
			pass.peerWaits[branch] = peerWait{peer: peer.ServerID(), decision: decision}
		}

		for _, global := range globals {
			if _, ok := ordered[global]; ok || r.inflight.has(global) {
				continue
			}
			decision, known := decisions[global]
			if !known {
				if pass.journalErr != nil {
					continue
				}
				var err error
				decision, known, err = r.journal.DecisionOf(pass.ctx, global)
				if err != nil {
					pass.report.Errors = append(pass.report.Errors, fmt.Errorf("query decision of %s: %w", global, err))
					continue
				}
				if !known {
					decision = DecisionRollback
				}
			}
			if err := sendOrder(pass.ctx, peer, global, decision); err != nil {
				pass.report.Errors = append(pass.report.Errors, &BranchFailed{Branch: global, Resource: peer.ServerID(), Decision: decision, Cause: err})
				continue
			}
			r.record(ctx, pass.report, global, decision)
		}
	}
}

// completeDangling 日志中悬而未决、但资源扫描没有上报的分支，直接补写完成记录
func (r *recoverer) completeDangling(ctx context.Context, pass *recoveryPass) {
	for name, branches := range pass.dangling {
		key, ok := r.scanKeyOf(name)
		if !ok {
			pass.report.Errors = append(pass.report.Errors, fmt.Errorf("%w: %s", ErrUnknownResource, name))
			continue
		}
		xids, ok := pass.scanned[key]
		if !ok {
			continue
		}
		reported := make(map[Xid]struct{}, len(xids))
		for _, xid := range xids {
			reported[xid] = struct{}{}
		}

		for branch, decision := range branches {
			if r.inflight.has(branch) {
				continue
			}
			probe := branch
			if key.peer {
				probe = branch.Global()
			}
			if _, ok := reported[probe]; ok {
				continue
			}
			if err := r.journal.LogComplete(pass.ctx, branch, name, decision); err != nil {
				pass.report.Errors = append(pass.report.Errors, err)
				continue
			}
			pass.report.Completed = append(pass.report.Completed, branch)
			r.metrics.recordRecovered(ctx, "complete")
		}
	}
}

func (r *recoverer) scanKeyOf(name string) (scanKey, bool) {
	if _, err := r.registry.getResource(name); err == nil {
		return scanKey{name: name}, true
	}
	if _, err := r.peers.Peer(name); err == nil {
		return scanKey{name: name, peer: true}, true
	}
	return scanKey{}, false
}

func (r *recoverer) sendRetries(ctx context.Context, pass *recoveryPass) {
	for global, w := range pass.retries {
		superior, err := r.peers.Peer(w.superior)
		if err == nil {
			err = superior.Retry(pass.ctx, global)
		}
		if err != nil {
			log.WarnContextf(ctx, "recovery retry failed, xid: %s, superior: %s, err: %v", global, w.superior, err)
			pass.report.Errors = append(pass.report.Errors, fmt.Errorf("retry %s on superior %s: %w", global, w.superior, err))
			delete(pass.retries, global)
			continue
		}
		pass.report.Retried = append(pass.report.Retried, global)
		r.metrics.recordRecovered(ctx, "retry")
	}
}

// orphan 处理没有任何 actor 跟踪的上级决议. 如果本轮恢复正在等待该全局事务，
// 决议直接作用于等待中的分支；否则重新扫描资源
func (r *recoverer) orphan(ctx context.Context, e OrphanOrder) {
	// 本 server 发起的全局事务只能按照自己日志中的决议处理
	if e.Xid.SuperiorID() == r.serverID {
		log.WarnContextf(ctx, "drop orphan order for own tx, xid: %s, decision: %s", e.Xid, e.Decision)
		return
	}
	if pass := r.pass; pass != nil {
		if w, ok := pass.retries[e.Xid.Global()]; ok {
			delete(pass.retries, e.Xid.Global())
			for _, branch := range w.branches {
				r.applyAndRecord(ctx, pass.ctx, pass.report, branch.Resource, branch.Xid, e.Decision, false)
			}
			r.reportDone(ctx, pass.ctx, e.Xid)
			r.tryFinish(ctx, pass)
			return
		}
	}

	log.InfoContextf(ctx, "apply orphan order, xid: %s, decision: %s", e.Xid, e.Decision)
	octx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var report *RecoveryReport
	if r.pass != nil {
		report = r.pass.report
	}
	failed := false
	for _, resource := range r.registry.all() {
		xids, err := resource.Recover(octx)
		if err != nil {
			log.WarnContextf(ctx, "orphan order scan failed, resource: %s, err: %v", resource.Name(), err)
			failed = true
			continue
		}
		for _, xid := range r.ownBranches(xids) {
			if !xid.SameGlobal(e.Xid) {
				continue
			}
			if !r.applyAndRecord(ctx, octx, report, resource, xid, e.Decision, true) {
				failed = true
			}
		}
	}
	// 有分支没有处理完时不上报 done，等待上级的下一次恢复
	if failed {
		return
	}
	r.reportDone(ctx, octx, e.Xid)
}

func (r *recoverer) reportDone(ctx, octx context.Context, xid Xid) {
	if xid.SuperiorID() == r.serverID {
		return
	}
	superior, err := r.peers.Peer(xid.SuperiorID())
	if err == nil {
		err = superior.Done(octx, xid)
	}
	if err != nil {
		log.WarnContextf(ctx, "report done to superior failed, xid: %s, err: %v", xid, err)
	}
}

// applyAndRecord 在资源上执行决议. logComplete 为 true 时补写完成记录
func (r *recoverer) applyAndRecord(ctx, octx context.Context, report *RecoveryReport, resource Resource, xid Xid, decision Decision, logComplete bool) bool {
	var err error
	if decision == DecisionCommit {
		err = resource.Commit(octx, xid)
	} else {
		err = resource.Rollback(octx, xid)
	}
	if err != nil {
		log.ErrorContextf(ctx, "recovery %s failed, xid: %s, resource: %s, err: %v", decision, xid, resource.Name(), err)
		if report != nil {
			report.Errors = append(report.Errors, &BranchFailed{Branch: xid, Resource: resource.Name(), Decision: decision, Cause: err})
		}
		return false
	}
	if logComplete {
		if err := r.journal.LogComplete(octx, xid, resource.Name(), decision); err != nil {
			log.WarnContextf(ctx, "journal log complete failed, branch: %s, resource: %s, err: %v", xid, resource.Name(), err)
		}
	}
	r.record(ctx, report, xid, decision)
	return true
}

func (r *recoverer) record(ctx context.Context, report *RecoveryReport, xid Xid, decision Decision) {
	r.metrics.recordRecovered(ctx, decision.String())
	if report == nil {
		return
	}
	if decision == DecisionCommit {
		report.Committed = append(report.Committed, xid)
	} else {
		report.RolledBack = append(report.RolledBack, xid)
	}
}

func (r *recoverer) tryFinish(ctx context.Context, pass *recoveryPass) {
	if !pass.resolved || len(pass.retries) > 0 || len(pass.peerWaits) > 0 {
		return
	}
	r.finish(ctx, pass)
}

func (r *recoverer) finish(ctx context.Context, pass *recoveryPass) {
	if r.pass != pass {
		return
	}
	r.pass = nil
	pass.cancel()

	if r.locker != nil {
		if err := r.locker.Unlock(ctx); err != nil {
			log.WarnContextf(ctx, "release recovery lock failed, err: %v", err)
		}
	}

	report := pass.report
	report.FinishedAt = r.clock.Now()
	log.InfoContextf(ctx, "recovery pass %d finished, committed: %d, rolled back: %d, completed: %d, retried: %d, errors: %d",
		pass.id, len(report.Committed), len(report.RolledBack), len(report.Completed), len(report.Retried), len(report.Errors))
	answer(pass.reply, report)
	r.d.Publish(RecoveryDone{Report: report})
}

func answer(reply chan<- *RecoveryReport, report *RecoveryReport) {
	if reply == nil {
		return
	}
	select {
	case reply <- report:
	default:
	}
}

func sendOrder(ctx context.Context, peer Peer, xid Xid, decision Decision) error {
	if decision == DecisionCommit {
		return peer.Commit(ctx, xid)
	}
	return peer.Rollback(ctx, xid)
}
