package badgerjournal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goxa"
)

func TestStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, s.Close())
	}()

	gen, err := goxa.NewXidGenerator("srv-a", nil)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	global := gen.Global()
	db := gen.Branch(global)
	mq := gen.Branch(global)
	other := gen.Branch(gen.Global())

	// 决议批量写入
	require.NoError(t, s.Append(ctx,
		&goxa.JournalRecord{ServerID: "srv-a", Xid: db, Resource: "db", Decision: goxa.DecisionCommit, CreatedAt: now},
		&goxa.JournalRecord{ServerID: "srv-a", Xid: mq, Resource: "mq/orders", Decision: goxa.DecisionCommit, CreatedAt: now},
		&goxa.JournalRecord{ServerID: "srv-a", Xid: other, Resource: "db", Decision: goxa.DecisionRollback, CreatedAt: now},
	))
	// 其他 server 的记录不可见
	require.NoError(t, s.Append(ctx,
		&goxa.JournalRecord{ServerID: "srv-b", Xid: db, Resource: "db", Decision: goxa.DecisionCommit, CreatedAt: now},
	))

	records, err := s.Dangling(ctx, "srv-a")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// db 分支完成后不再悬而未决
	require.NoError(t, s.Append(ctx,
		&goxa.JournalRecord{ServerID: "srv-a", Xid: db, Resource: "db", Decision: goxa.DecisionCommit, Complete: true, CreatedAt: now},
	))
	records, err = s.Dangling(ctx, "srv-a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	byResource := map[string]*goxa.JournalRecord{}
	for _, record := range records {
		byResource[record.Xid.String()+"|"+record.Resource] = record
	}
	assert.Contains(t, byResource, mq.String()+"|mq/orders")
	assert.Contains(t, byResource, other.String()+"|db")
	assert.Equal(t, now.UnixNano(), byResource[mq.String()+"|mq/orders"].CreatedAt.UnixNano())

	// 完成记录不影响决议查询
	decision, ok, err := s.Decision(ctx, "srv-a", global)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, goxa.DecisionCommit, decision)

	_, ok, err = s.Decision(ctx, "srv-a", gen.Global())
	require.NoError(t, err)
	assert.False(t, ok)

	records, err = s.Dangling(ctx, "srv-b")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
