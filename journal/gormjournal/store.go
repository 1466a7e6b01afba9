package gormjournal

import (
	"context"
	"encoding/hex"

	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa"
)

// Store 基于关系型数据库的事务日志
type Store struct {
	dao *JournalDAO
}

func NewStore(db *gorm.DB, batchSize int) *Store {
	return &Store{dao: NewJournalDAO(db, batchSize)}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.dao.Migrate(ctx)
}

func (s *Store) Append(ctx context.Context, records ...*goxa.JournalRecord) error {
	if len(records) == 0 {
		return nil
	}
	pos := make([]*JournalPO, 0, len(records))
	for _, record := range records {
		pos = append(pos, &JournalPO{
			ServerID:  record.ServerID,
			Gtrid:     hex.EncodeToString(record.Xid.GlobalID()),
			Bqual:     hex.EncodeToString(record.Xid.BranchID()),
			Resource:  record.Resource,
			Decision:  record.Decision == goxa.DecisionCommit,
			Complete:  record.Complete,
			CreatedAt: record.CreatedAt,
		})
	}
	return s.dao.CreateRecords(ctx, pos)
}

func (s *Store) Dangling(ctx context.Context, serverID string) ([]*goxa.JournalRecord, error) {
	pos, err := s.dao.GetDangling(ctx, serverID)
	if err != nil {
		return nil, err
	}
	records := make([]*goxa.JournalRecord, 0, len(pos))
	for _, po := range pos {
		record, err := toRecord(po)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Store) Decision(ctx context.Context, serverID string, global goxa.Xid) (goxa.Decision, bool, error) {
	po, err := s.dao.GetDecision(ctx, serverID, hex.EncodeToString(global.GlobalID()))
	if err != nil || po == nil {
		return goxa.DecisionRollback, false, err
	}
	return toDecision(po.Decision), true, nil
}

func toRecord(po *JournalPO) (*goxa.JournalRecord, error) {
	xid, err := goxa.ParseXid(po.Gtrid + ":" + po.Bqual)
	if err != nil {
		return nil, err
	}
	return &goxa.JournalRecord{
		ServerID:  po.ServerID,
		Xid:       xid,
		Resource:  po.Resource,
		Decision:  toDecision(po.Decision),
		Complete:  po.Complete,
		CreatedAt: po.CreatedAt,
	}, nil
}

func toDecision(commit bool) goxa.Decision {
	if commit {
		return goxa.DecisionCommit
	}
	return goxa.DecisionRollback
}

var _ goxa.JournalStore = (*Store)(nil)
