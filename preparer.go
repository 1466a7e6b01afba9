package goxa

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/log"
)

type prepareState struct {
	tx *Transaction
	// 尚未投票的经典分支
	votes map[Xid]string
	// 尚未上报 ready 的下级分支
	ready map[Xid]string
}

// preparer 驱动第一阶段. 经典分支直接投票，下级分支通过远端往返异步上报 ready
type preparer struct {
	*actor
	d      *Dispatcher
	peers  PeerResolver
	txs    map[Xid]*prepareState
	byPeer map[Xid]Xid
}

func newPreparer(d *Dispatcher, peers PeerResolver) *preparer {
	p := &preparer{
		d:      d,
		peers:  peers,
		txs:    make(map[Xid]*prepareState),
		byPeer: make(map[Xid]Xid),
	}
	p.actor = newActor(d, "preparer", p,
		KindPrepareTransaction, KindBranchPrepared, KindSubordinateReady,
		KindTimeout, KindRollbackOrder,
	)
	return p
}

func (p *preparer) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case PrepareTransaction:
		p.start(ctx, e.Tx)

	case BranchPrepared:
		state, ok := p.txs[e.Xid]
		if !ok {
			return
		}
		if e.Err != nil {
			p.fail(ctx, state, &PrepareFailed{Branch: e.Branch, Resource: e.Name, Cause: e.Err})
			return
		}
		if !e.Peer {
			delete(state.votes, e.Branch)
			p.tryComplete(ctx, state)
		}

	case SubordinateReady:
		xid, ok := p.byPeer[e.Xid]
		if !ok {
			return
		}
		state := p.txs[xid]
		delete(state.ready, e.Xid)
		delete(p.byPeer, e.Xid)
		p.tryComplete(ctx, state)

	case Timeout:
		p.forget(e.Xid)
	case RollbackOrder:
		p.forget(e.Xid)
	}
}

func (p *preparer) start(ctx context.Context, tx *Transaction) {
	if _, ok := p.txs[tx.Xid()]; ok {
		return
	}
	state := &prepareState{
		tx:    tx,
		votes: make(map[Xid]string),
		ready: make(map[Xid]string),
	}
	resources := tx.ResourceBranches()
	peers := tx.PeerBranches()
	for _, branch := range resources {
		state.votes[branch.Xid] = branch.Resource.Name()
	}
	for _, branch := range peers {
		state.ready[branch.Xid] = branch.Peer.ServerID()
		p.byPeer[branch.Xid] = tx.Xid()
	}
	p.txs[tx.Xid()] = state

	if len(resources) == 0 && len(peers) == 0 {
		p.tryComplete(ctx, state)
		return
	}

	bctx, cancel := context.WithDeadline(ctx, tx.ExpireAt())
	var wg sync.WaitGroup
	for _, branch := range resources {
		// shadow
		branch := branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			vote, err := branch.Resource.Prepare(bctx, branch.Xid)
			p.self(ctx, BranchPrepared{
				Xid:    tx.Xid(),
				Branch: branch.Xid,
				Name:   branch.Resource.Name(),
				Vote:   vote,
				Err:    err,
			})
		}()
	}
	for _, branch := range peers {
		branch := branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 下级的 ready 会通过 SubordinateReady 异步到达，这里只关心指令是否送达
			if err := branch.Peer.Prepare(bctx, branch.Xid); err != nil {
				p.self(ctx, BranchPrepared{
					Xid:    tx.Xid(),
					Branch: branch.Xid,
					Name:   branch.Peer.ServerID(),
					Peer:   true,
					Err:    err,
				})
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
	}()
}

func (p *preparer) tryComplete(ctx context.Context, state *prepareState) {
	if len(state.votes) > 0 || len(state.ready) > 0 {
		return
	}
	tx := state.tx
	p.forget(tx.Xid())

	if tx.IsSubordinate() {
		// 下级需要先向上级上报 ready，再等待上级的决议
		superior, err := p.peers.Peer(tx.SuperiorID())
		if err == nil {
			err = superior.Ready(ctx, tx.Xid())
		}
		if err != nil {
			log.ErrorContextf(ctx, "report ready to superior failed, xid: %s, err: %v", tx.Xid(), err)
			p.d.Publish(TwoPCFailed{Xid: tx.Xid(), Err: err})
			return
		}
	}
	p.d.Publish(TransactionPrepared{Tx: tx})
}

// fail 任一分支 prepare 失败即整体失败. 这里不会触发回滚，回滚需要显式决议
func (p *preparer) fail(ctx context.Context, state *prepareState, err error) {
	log.ErrorContextf(ctx, "tx prepare failed, xid: %s, err: %v", state.tx.Xid(), err)
	p.forget(state.tx.Xid())
	p.d.Publish(TwoPCFailed{Xid: state.tx.Xid(), Err: err})
}

func (p *preparer) forget(xid Xid) {
	state, ok := p.txs[xid]
	if !ok {
		return
	}
	for branch := range state.ready {
		delete(p.byPeer, branch)
	}
	delete(p.txs, xid)
}
