package gormjournal

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// JournalPO xa_journal 表中的一行. 同一个分支先写一条决议记录，完成后再写一条 complete 记录
type JournalPO struct {
	ID        uint      `gorm:"primaryKey"`
	ServerID  string    `gorm:"column:server_id;type:varchar(32);index:idx_server_gtrid"`
	Gtrid     string    `gorm:"column:gtrid;type:varchar(128);index:idx_server_gtrid"`
	Bqual     string    `gorm:"column:bqual;type:varchar(128)"`
	Resource  string    `gorm:"column:resource;type:varchar(64)"`
	Decision  bool      `gorm:"column:decision"`
	Complete  bool      `gorm:"column:complete"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (j JournalPO) TableName() string {
	return "xa_journal"
}

type JournalDAO struct {
	db        *gorm.DB
	batchSize int
}

func NewJournalDAO(db *gorm.DB, batchSize int) *JournalDAO {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &JournalDAO{
		db:        db,
		batchSize: batchSize,
	}
}

func (j *JournalDAO) Migrate(ctx context.Context) error {
	return j.db.WithContext(ctx).AutoMigrate(&JournalPO{})
}

// CreateRecords 批量写入，所有记录在同一个事务中提交
func (j *JournalDAO) CreateRecords(ctx context.Context, records []*JournalPO) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(records, j.batchSize).Error
	})
}

// GetDangling 查询只有决议记录、没有完成记录的分支
func (j *JournalDAO) GetDangling(ctx context.Context, serverID string) ([]*JournalPO, error) {
	var records []*JournalPO
	err := j.db.WithContext(ctx).Model(&JournalPO{}).
		Select("gtrid, bqual, resource, decision, MIN(created_at) AS created_at").
		Where("server_id = ?", serverID).
		Group("gtrid, bqual, resource, decision").
		Having("SUM(complete) = 0").
		Scan(&records).Error
	for _, record := range records {
		record.ServerID = serverID
	}
	return records, err
}

// GetDecision 查询全局事务的任意一条记录，不存在时返回 nil
func (j *JournalDAO) GetDecision(ctx context.Context, serverID, gtrid string) (*JournalPO, error) {
	var records []*JournalPO
	if err := j.db.WithContext(ctx).Where("server_id = ? AND gtrid = ?", serverID, gtrid).Limit(1).Find(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}
