package goxa

import "time"

// EventKind 事件类型，dispatcher 按类型扇出
type EventKind int

const (
	KindUserCommit EventKind = iota + 1
	KindUserRollback
	KindTwoPCRequest
	KindRollbackRequest
	KindPrepareOrder
	KindPrepareTransaction
	KindBranchPrepared
	KindSubordinateReady
	KindTransactionPrepared
	KindCommitOrder
	KindRollbackOrder
	KindCommitTransaction
	KindBranchCompleted
	KindSubordinateDone
	KindTwoPCDone
	KindTwoPCFailed
	KindRollbackDone
	KindRollbackFailed
	KindTimeout
	KindTick
	KindRecoveryRequest
	KindJournalScanned
	KindResourceScanned
	KindRecoveryDeadline
	KindOrphanOrder
	KindRecoveryDone
)

var kindNames = map[EventKind]string{
	KindUserCommit:          "user-commit",
	KindUserRollback:        "user-rollback",
	KindTwoPCRequest:        "2pc-request",
	KindRollbackRequest:     "rollback-request",
	KindPrepareOrder:        "prepare-order",
	KindPrepareTransaction:  "prepare-transaction",
	KindBranchPrepared:      "branch-prepared",
	KindSubordinateReady:    "subordinate-ready",
	KindTransactionPrepared: "transaction-prepared",
	KindCommitOrder:         "commit-order",
	KindRollbackOrder:       "rollback-order",
	KindCommitTransaction:   "commit-transaction",
	KindBranchCompleted:     "branch-completed",
	KindSubordinateDone:     "subordinate-done",
	KindTwoPCDone:           "2pc-done",
	KindTwoPCFailed:         "2pc-failed",
	KindRollbackDone:        "rollback-done",
	KindRollbackFailed:      "rollback-failed",
	KindTimeout:             "timeout",
	KindTick:                "tick",
	KindRecoveryRequest:     "recovery-request",
	KindJournalScanned:      "journal-scanned",
	KindResourceScanned:     "resource-scanned",
	KindRecoveryDeadline:    "recovery-deadline",
	KindOrphanOrder:         "orphan-order",
	KindRecoveryDone:        "recovery-done",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event 所有 actor 之间传递的事件
type Event interface {
	Kind() EventKind
}

type UserCommit struct{ Tx *Transaction }

type UserRollback struct{ Tx *Transaction }

type TwoPCRequest struct{ Tx *Transaction }

type RollbackRequest struct{ Tx *Transaction }

// PrepareOrder 上级下发的 prepare 指令
type PrepareOrder struct{ Xid Xid }

type PrepareTransaction struct{ Tx *Transaction }

// BranchPrepared 单个经典分支或下级分支 prepare 请求的结果
type BranchPrepared struct {
	Xid    Xid
	Branch Xid
	Name   string
	Peer   bool
	Vote   Vote
	Err    error
}

// SubordinateReady 下级上报 ready，Xid 为下级事务 xid
type SubordinateReady struct{ Xid Xid }

type TransactionPrepared struct{ Tx *Transaction }

type CommitOrder struct{ Xid Xid }

type RollbackOrder struct{ Xid Xid }

type CommitTransaction struct{ Tx *Transaction }

// BranchCompleted 单个分支第二阶段请求的结果
type BranchCompleted struct {
	Xid      Xid
	Branch   Xid
	Name     string
	Peer     bool
	Decision Decision
	Err      error
}

// SubordinateDone 下级上报第二阶段完成
type SubordinateDone struct{ Xid Xid }

type TwoPCDone struct{ Xid Xid }

type TwoPCFailed struct {
	Xid Xid
	Err error
}

type RollbackDone struct{ Xid Xid }

type RollbackFailedEvent struct {
	Xid Xid
	Err error
}

type Timeout struct{ Xid Xid }

// Tick 心跳
type Tick struct{ Now time.Time }

type RecoveryRequest struct {
	Reply chan<- *RecoveryReport
}

type JournalScanned struct {
	Pass     uint64
	Dangling map[string]map[Xid]Decision
	Err      error
}

type ResourceScanned struct {
	Pass     uint64
	Resource string
	Peer     bool
	Xids     []Xid
	Err      error
}

type RecoveryDeadline struct{ Pass uint64 }

// OrphanOrder 没有任何 actor 跟踪的事务收到的上级决议
type OrphanOrder struct {
	Xid      Xid
	Decision Decision
}

type RecoveryDone struct{ Report *RecoveryReport }

func (UserCommit) Kind() EventKind          { return KindUserCommit }
func (UserRollback) Kind() EventKind        { return KindUserRollback }
func (TwoPCRequest) Kind() EventKind        { return KindTwoPCRequest }
func (RollbackRequest) Kind() EventKind     { return KindRollbackRequest }
func (PrepareOrder) Kind() EventKind        { return KindPrepareOrder }
func (PrepareTransaction) Kind() EventKind  { return KindPrepareTransaction }
func (BranchPrepared) Kind() EventKind      { return KindBranchPrepared }
func (SubordinateReady) Kind() EventKind    { return KindSubordinateReady }
func (TransactionPrepared) Kind() EventKind { return KindTransactionPrepared }
func (CommitOrder) Kind() EventKind         { return KindCommitOrder }
func (RollbackOrder) Kind() EventKind       { return KindRollbackOrder }
func (CommitTransaction) Kind() EventKind   { return KindCommitTransaction }
func (BranchCompleted) Kind() EventKind     { return KindBranchCompleted }
func (SubordinateDone) Kind() EventKind     { return KindSubordinateDone }
func (TwoPCDone) Kind() EventKind           { return KindTwoPCDone }
func (TwoPCFailed) Kind() EventKind         { return KindTwoPCFailed }
func (RollbackDone) Kind() EventKind        { return KindRollbackDone }
func (RollbackFailedEvent) Kind() EventKind { return KindRollbackFailed }
func (Timeout) Kind() EventKind             { return KindTimeout }
func (Tick) Kind() EventKind                { return KindTick }
func (RecoveryRequest) Kind() EventKind     { return KindRecoveryRequest }
func (JournalScanned) Kind() EventKind      { return KindJournalScanned }
func (ResourceScanned) Kind() EventKind     { return KindResourceScanned }
func (RecoveryDeadline) Kind() EventKind    { return KindRecoveryDeadline }
func (OrphanOrder) Kind() EventKind         { return KindOrphanOrder }
func (RecoveryDone) Kind() EventKind        { return KindRecoveryDone }

// eventXid 取出事件所属的事务 xid，用于日志
func eventXid(ev Event) Xid {
	switch e := ev.(type) {
	case UserCommit:
		return e.Tx.Xid()
	case UserRollback:
		return e.Tx.Xid()
	case TwoPCRequest:
		return e.Tx.Xid()
	case RollbackRequest:
		return e.Tx.Xid()
	case PrepareTransaction:
		return e.Tx.Xid()
	case TransactionPrepared:
		return e.Tx.Xid()
	case CommitTransaction:
		return e.Tx.Xid()
	case PrepareOrder:
		return e.Xid
	case BranchPrepared:
		return e.Xid
	case SubordinateReady:
		return e.Xid
	case CommitOrder:
		return e.Xid
	case RollbackOrder:
		return e.Xid
	case BranchCompleted:
		return e.Xid
	case SubordinateDone:
		return e.Xid
	case TwoPCDone:
		return e.Xid
	case TwoPCFailed:
		return e.Xid
	case RollbackDone:
		return e.Xid
	case RollbackFailedEvent:
		return e.Xid
	case Timeout:
		return e.Xid
	case OrphanOrder:
		return e.Xid
	}
	return Xid{}
}
