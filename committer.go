package goxa

import (
	"context"

	"github.com/xiaoxuxiansheng/goxa/log"
)

type completion struct {
	tx *Transaction
	// 尚未完成的分支: branch xid -> 资源名称或下级 server id
	waiting map[Xid]string
	peers   map[Xid]bool
}

// phaseTwo 驱动第二阶段. committer 与 rollbacker 结构完全一致，只是决议不同：
// 先把决议写入日志，日志确认之后才并发地向每个分支发送请求
type phaseTwo struct {
	*actor
	d        *Dispatcher
	decision Decision
	journal  *Journal
	peers    PeerResolver
	txs      map[Xid]*completion
	byPeer   map[Xid]Xid
}

func newCommitter(d *Dispatcher, journal *Journal, peers PeerResolver) *phaseTwo {
	return newPhaseTwo(d, "committer", DecisionCommit, journal, peers, KindCommitTransaction)
}

func newRollbacker(d *Dispatcher, journal *Journal, peers PeerResolver) *phaseTwo {
	return newPhaseTwo(d, "rollbacker", DecisionRollback, journal, peers, KindRollbackRequest)
}

func newPhaseTwo(d *Dispatcher, name string, decision Decision, journal *Journal, peers PeerResolver, trigger EventKind) *phaseTwo {
	p := &phaseTwo{
		d:        d,
		decision: decision,
		journal:  journal,
		peers:    peers,
		txs:      make(map[Xid]*completion),
		byPeer:   make(map[Xid]Xid),
	}
	p.actor = newActor(d, name, p, trigger, KindBranchCompleted, KindSubordinateDone, KindTimeout)
	return p
}

func (p *phaseTwo) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case CommitTransaction:
		p.start(ctx, e.Tx)
	case RollbackRequest:
		p.start(ctx, e.Tx)

	case BranchCompleted:
		if e.Decision != p.decision {
			return
		}
		state, ok := p.txs[e.Xid]
		if !ok {
			return
		}
		if e.Err != nil {
			p.fail(ctx, state.tx.Xid(), &BranchFailed{Branch: e.Branch, Resource: e.Name, Decision: p.decision, Cause: e.Err})
			return
		}
		if e.Peer {
			// 指令已送达，等待下级上报 done
			return
		}
		p.branchDone(ctx, state, e.Branch)

	case SubordinateDone:
		xid, ok := p.byPeer[e.Xid]
		if !ok {
			return
		}
		p.branchDone(ctx, p.txs[xid], e.Xid)

	case Timeout:
		p.forget(e.Xid)
	}
}

func (p *phaseTwo) start(ctx context.Context, tx *Transaction) {
	if _, ok := p.txs[tx.Xid()]; ok {
		return
	}

	// 决议没有落盘之前，不允许联系任何分支
	if err := p.journal.LogDecision(ctx, tx, p.decision); err != nil {
		p.publishFailed(tx.Xid(), &JournalWriteFailed{Decision: p.decision, Cause: err})
		return
	}

	state := &completion{
		tx:      tx,
		waiting: make(map[Xid]string),
		peers:   make(map[Xid]bool),
	}
	resources := tx.ResourceBranches()
	peers := tx.PeerBranches()
	for _, branch := range resources {
		state.waiting[branch.Xid] = branch.Resource.Name()
	}
	for _, branch := range peers {
		state.waiting[branch.Xid] = branch.Peer.ServerID()
		state.peers[branch.Xid] = true
		p.byPeer[branch.Xid] = tx.Xid()
	}
	p.txs[tx.Xid()] = state

	if len(state.waiting) == 0 {
		p.tryFinish(ctx, state)
		return
	}

	// 分支请求在 actor 之外并发执行，结果通过收件箱回到 actor
	for _, branch := range resources {
		// shadow
		branch := branch
		go func() {
			var err error
			if p.decision == DecisionCommit {
				err = branch.Resource.Commit(ctx, branch.Xid)
			} else {
				err = branch.Resource.Rollback(ctx, branch.Xid)
			}
			p.self(ctx, BranchCompleted{
				Xid:      tx.Xid(),
				Branch:   branch.Xid,
				Name:     branch.Resource.Name(),
				Decision: p.decision,
				Err:      err,
			})
		}()
	}
	for _, branch := range peers {
		branch := branch
		go func() {
			var err error
			if p.decision == DecisionCommit {
				err = branch.Peer.Commit(ctx, branch.Xid)
			} else {
				err = branch.Peer.Rollback(ctx, branch.Xid)
			}
			p.self(ctx, BranchCompleted{
				Xid:      tx.Xid(),
				Branch:   branch.Xid,
				Name:     branch.Peer.ServerID(),
				Peer:     true,
				Decision: p.decision,
				Err:      err,
			})
		}()
	}
}

func (p *phaseTwo) branchDone(ctx context.Context, state *completion, branch Xid) {
	name, ok := state.waiting[branch]
	if !ok {
		return
	}
	// 完成记录写失败不影响结果，恢复流程会在资源不再上报该分支时补写
	if err := p.journal.LogComplete(ctx, branch, name, p.decision); err != nil {
		log.WarnContextf(ctx, "journal log complete failed, branch: %s, resource: %s, err: %v", branch, name, err)
	}
	delete(state.waiting, branch)
	delete(p.byPeer, branch)
	p.tryFinish(ctx, state)
}

func (p *phaseTwo) tryFinish(ctx context.Context, state *completion) {
	if len(state.waiting) > 0 {
		return
	}
	tx := state.tx
	p.forget(tx.Xid())

	if tx.IsSubordinate() {
		superior, err := p.peers.Peer(tx.SuperiorID())
		if err == nil {
			err = superior.Done(ctx, tx.Xid())
		}
		if err != nil {
			log.WarnContextf(ctx, "report done to superior failed, xid: %s, err: %v", tx.Xid(), err)
		}
	}

	if p.decision == DecisionCommit {
		p.d.Publish(TwoPCDone{Xid: tx.Xid()})
	} else {
		p.d.Publish(RollbackDone{Xid: tx.Xid()})
	}
}

// fail 已经完成的兄弟分支不会被补偿，剩余分支交给恢复流程处理
func (p *phaseTwo) fail(ctx context.Context, xid Xid, err error) {
	log.ErrorContextf(ctx, "tx %s failed, xid: %s, err: %v", p.decision, xid, err)
	p.forget(xid)
	p.publishFailed(xid, err)
}

func (p *phaseTwo) publishFailed(xid Xid, err error) {
	if p.decision == DecisionCommit {
		p.d.Publish(TwoPCFailed{Xid: xid, Err: err})
	} else {
		p.d.Publish(RollbackFailedEvent{Xid: xid, Err: err})
	}
}

func (p *phaseTwo) forget(xid Xid) {
	state, ok := p.txs[xid]
	if !ok {
		return
	}
	for branch := range state.peers {
		delete(p.byPeer, branch)
	}
	delete(p.txs, xid)
}
