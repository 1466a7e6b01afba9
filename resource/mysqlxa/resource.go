package mysqlxa

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/demdxx/gocast"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/log"
)

// MySQL 对未知 xid 返回 XAER_NOTA
const errCodeXAERNota = 1397

// Resource 基于 MySQL XA 语句的经典资源.
// 分支从 XA START 到 XA PREPARE 期间独占一条连接，prepared 之后的分支可以在任意连接上完成
type Resource struct {
	name string
	db   *gorm.DB

	mux   sync.Mutex
	conns map[goxa.Xid]*sql.Conn
}

func New(name string, db *gorm.DB) *Resource {
	return &Resource{
		name:  name,
		db:    db,
		conns: make(map[goxa.Xid]*sql.Conn),
	}
}

func (r *Resource) Name() string {
	return r.name
}

// Start 开启 XA 分支，返回绑定在分支连接上的 *gorm.DB
func (r *Resource) Start(ctx context.Context, xid goxa.Xid) (interface{}, error) {
	sqlDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "XA START "+xidLiteral(xid)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	r.mux.Lock()
	r.conns[xid] = conn
	r.mux.Unlock()

	// 分支内的语句不能再开启本地事务
	handle := r.db.Session(&gorm.Session{
		NewDB:                  true,
		SkipDefaultTransaction: true,
		Context:                ctx,
	})
	handle.Statement.ConnPool = conn
	return handle, nil
}

func (r *Resource) Prepare(ctx context.Context, xid goxa.Xid) (goxa.Vote, error) {
	conn, ok := r.takeConn(xid)
	if !ok {
		return goxa.VoteCommit, fmt.Errorf("branch %s not started on %s", xid, r.name)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "XA END "+xidLiteral(xid)); err != nil {
		r.abort(ctx, conn, xid)
		return goxa.VoteCommit, err
	}
	if _, err := conn.ExecContext(ctx, "XA PREPARE "+xidLiteral(xid)); err != nil {
		r.abort(ctx, conn, xid)
		return goxa.VoteCommit, err
	}
	return goxa.VoteCommit, nil
}

// abort prepare 失败后分支仍挂在当前会话上，必须在同一条连接上回滚，
// 回滚失败时丢弃连接，未 prepare 的分支随会话断开被 MySQL 回收
func (r *Resource) abort(ctx context.Context, conn *sql.Conn, xid goxa.Xid) {
	_, err := conn.ExecContext(ctx, "XA ROLLBACK "+xidLiteral(xid))
	if err = ignoreNota(ctx, err, xid); err == nil {
		return
	}
	log.WarnContextf(ctx, "xa rollback after failed prepare failed, discard conn, xid: %s, err: %v", xid, err)
	_ = conn.Raw(func(interface{}) error {
		return driver.ErrBadConn
	})
}

func (r *Resource) Commit(ctx context.Context, xid goxa.Xid) error {
	err := r.db.WithContext(ctx).Exec("XA COMMIT " + xidLiteral(xid)).Error
	return ignoreNota(ctx, err, xid)
}

// Rollback 尚未 prepare 的分支需要先在原连接上结束
func (r *Resource) Rollback(ctx context.Context, xid goxa.Xid) error {
	if conn, ok := r.takeConn(xid); ok {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "XA END "+xidLiteral(xid)); err != nil {
			log.WarnContextf(ctx, "xa end before rollback failed, xid: %s, err: %v", xid, err)
		}
		_, err := conn.ExecContext(ctx, "XA ROLLBACK "+xidLiteral(xid))
		return ignoreNota(ctx, err, xid)
	}
	err := r.db.WithContext(ctx).Exec("XA ROLLBACK " + xidLiteral(xid)).Error
	return ignoreNota(ctx, err, xid)
}

// Recover 返回 XA RECOVER 中可以解析的分支
func (r *Resource) Recover(ctx context.Context) ([]goxa.Xid, error) {
	var rows []map[string]interface{}
	if err := r.db.WithContext(ctx).Raw("XA RECOVER").Scan(&rows).Error; err != nil {
		return nil, err
	}

	xids := make([]goxa.Xid, 0, len(rows))
	for _, row := range rows {
		gtridLen := gocast.ToUint(row["gtrid_length"])
		bqualLen := gocast.ToUint(row["bqual_length"])
		data := gocast.ToString(row["data"])
		if uint(len(data)) < gtridLen+bqualLen {
			continue
		}
		xid := goxa.NewXid([]byte(data[:gtridLen]), []byte(data[gtridLen:gtridLen+bqualLen]))
		// 忽略不是由协调者签发的分支
		if xid.SuperiorID() == "" {
			continue
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

func (r *Resource) takeConn(xid goxa.Xid) (*sql.Conn, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	conn, ok := r.conns[xid]
	delete(r.conns, xid)
	return conn, ok
}

func xidLiteral(xid goxa.Xid) string {
	return fmt.Sprintf("X'%s',X'%s'", hex.EncodeToString(xid.GlobalID()), hex.EncodeToString(xid.BranchID()))
}

// ignoreNota 分支已经不存在时视为已经完成，保证第二阶段可以重放
func ignoreNota(ctx context.Context, err error, xid goxa.Xid) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == errCodeXAERNota {
		log.InfoContextf(ctx, "xa branch already finished, xid: %s", xid)
		return nil
	}
	return err
}

var _ goxa.Resource = (*Resource)(nil)
