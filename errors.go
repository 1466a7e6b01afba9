package goxa

import (
	"errors"
	"fmt"
)

var (
	// 提交请求被上级下发的回滚指令覆盖
	ErrRolledBack       = errors.New("transaction rolled back by superior")
	ErrUnknownResource  = errors.New("unknown resource")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrRepeatResource   = errors.New("repeat resource name")
	ErrRecoveryRunning  = errors.New("recovery already running")
	ErrStopped          = errors.New("tx manager stopped")
	ErrAlreadyCompleted = errors.New("transaction already handed to protocol")
)

// PrepareFailed 某个分支第一阶段失败
type PrepareFailed struct {
	Branch   Xid
	Resource string
	Cause    error
}

func (e *PrepareFailed) Error() string {
	return fmt.Sprintf("prepare branch %s on %s failed: %v", e.Branch, e.Resource, e.Cause)
}

func (e *PrepareFailed) Unwrap() error { return e.Cause }

// BranchFailed 某个分支第二阶段 commit/rollback 失败
type BranchFailed struct {
	Branch   Xid
	Resource string
	Decision Decision
	Cause    error
}

func (e *BranchFailed) Error() string {
	return fmt.Sprintf("%s branch %s on %s failed: %v", e.Decision, e.Branch, e.Resource, e.Cause)
}

func (e *BranchFailed) Unwrap() error { return e.Cause }

// JournalWriteFailed 决议落盘失败，此时不会向任何分支发送第二阶段请求
type JournalWriteFailed struct {
	Decision Decision
	Cause    error
}

func (e *JournalWriteFailed) Error() string {
	return fmt.Sprintf("journal %s decision failed: %v", e.Decision, e.Cause)
}

func (e *JournalWriteFailed) Unwrap() error { return e.Cause }

type CommitFailed struct {
	Xid   Xid
	Cause error
}

func (e *CommitFailed) Error() string {
	return fmt.Sprintf("commit %s failed: %v", e.Xid, e.Cause)
}

func (e *CommitFailed) Unwrap() error { return e.Cause }

type RollbackFailed struct {
	Xid   Xid
	Cause error
}

func (e *RollbackFailed) Error() string {
	return fmt.Sprintf("rollback %s failed: %v", e.Xid, e.Cause)
}

func (e *RollbackFailed) Unwrap() error { return e.Cause }

// TimedOut 事务超时，结果未知
type TimedOut struct {
	Xid Xid
}

func (e *TimedOut) Error() string {
	return fmt.Sprintf("transaction %s timed out, outcome unknown", e.Xid)
}

type RecoveryResourceScanFailed struct {
	Resource string
	Cause    error
}

func (e *RecoveryResourceScanFailed) Error() string {
	return fmt.Sprintf("recovery scan of %s failed: %v", e.Resource, e.Cause)
}

func (e *RecoveryResourceScanFailed) Unwrap() error { return e.Cause }
