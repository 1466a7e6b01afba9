package gormjournal

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery("SELECT VERSION()").WillReturnRows(sqlmock.NewRows([]string{"VERSION"}).AddRow("1"))

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(gdb, 10), mock, func() { _ = db.Close() }
}

func Test_Store(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	gen, err := goxa.NewXidGenerator("srv-a", nil)
	if err != nil {
		t.Fatal(err)
	}
	global := gen.Global()
	branchA := gen.Branch(global)
	branchB := gen.Branch(global)
	gtrid := hex.EncodeToString(global.GlobalID())

	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name string
		f    func()
	}{
		{
			name: "AppendBatch",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO `xa_journal`").WillReturnResult(sqlmock.NewResult(1, 2))
				mock.ExpectCommit()
				err := store.Append(ctx,
					&goxa.JournalRecord{ServerID: "srv-a", Xid: branchA, Resource: "db", Decision: goxa.DecisionCommit, CreatedAt: now},
					&goxa.JournalRecord{ServerID: "srv-a", Xid: branchB, Resource: "mq", Decision: goxa.DecisionCommit, CreatedAt: now},
				)
				assert.Equal(t, nil, err)
			},
		},
		{
			name: "AppendFailedRollback",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO `xa_journal`").WillReturnError(errors.New("disk full"))
				mock.ExpectRollback()
				err := store.Append(ctx, &goxa.JournalRecord{ServerID: "srv-a", Xid: branchA, Resource: "db", CreatedAt: now})
				assert.NotNil(t, err)
			},
		},
		{
			name: "AppendEmpty",
			f: func() {
				assert.Equal(t, nil, store.Append(ctx))
			},
		},
		{
			name: "Dangling",
			f: func() {
				rows := sqlmock.NewRows([]string{"gtrid", "bqual", "resource", "decision", "created_at"}).
					AddRow(gtrid, hex.EncodeToString(branchA.BranchID()), "db", true, now)
				mock.ExpectQuery("SELECT .* FROM `xa_journal` WHERE server_id = \\? GROUP BY .* HAVING SUM\\(complete\\) = 0").
					WithArgs("srv-a").WillReturnRows(rows)
				records, err := store.Dangling(ctx, "srv-a")
				assert.Equal(t, nil, err)
				assert.Equal(t, 1, len(records))
				assert.Equal(t, branchA, records[0].Xid)
				assert.Equal(t, "db", records[0].Resource)
				assert.Equal(t, goxa.DecisionCommit, records[0].Decision)
				assert.Equal(t, "srv-a", records[0].ServerID)
			},
		},
		{
			name: "DanglingBadXid",
			f: func() {
				rows := sqlmock.NewRows([]string{"gtrid", "bqual", "resource", "decision", "created_at"}).
					AddRow("zz", "", "db", true, now)
				mock.ExpectQuery("SELECT .* FROM `xa_journal`").WithArgs("srv-a").WillReturnRows(rows)
				_, err := store.Dangling(ctx, "srv-a")
				assert.True(t, errors.Is(err, goxa.ErrInvalidXid))
			},
		},
		{
			name: "DecisionFound",
			f: func() {
				rows := sqlmock.NewRows([]string{"id", "server_id", "gtrid", "bqual", "resource", "decision", "complete", "created_at"}).
					AddRow(1, "srv-a", gtrid, hex.EncodeToString(branchA.BranchID()), "db", false, true, now)
				mock.ExpectQuery("SELECT \\* FROM `xa_journal` WHERE server_id = \\? AND gtrid = \\? LIMIT").WillReturnRows(rows)
				decision, ok, err := store.Decision(ctx, "srv-a", branchA)
				assert.Equal(t, nil, err)
				assert.True(t, ok)
				assert.Equal(t, goxa.DecisionRollback, decision)
			},
		},
		{
			name: "DecisionMissing",
			f: func() {
				rows := sqlmock.NewRows([]string{"id", "server_id", "gtrid", "bqual", "resource", "decision", "complete", "created_at"})
				mock.ExpectQuery("SELECT \\* FROM `xa_journal` WHERE server_id = \\? AND gtrid = \\? LIMIT").WillReturnRows(rows)
				_, ok, err := store.Decision(ctx, "srv-a", global)
				assert.Equal(t, nil, err)
				assert.False(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f()
		})
	}
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}
