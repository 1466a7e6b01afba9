package main

import (
	"context"
	"errors"
	"io"
	"net/http"

	gmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/journal/badgerjournal"
	"github.com/xiaoxuxiansheng/goxa/journal/gormjournal"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/peer"
	"github.com/xiaoxuxiansheng/goxa/pkg/redislock"
	"github.com/xiaoxuxiansheng/goxa/resource/mysqlxa"
)

// app 按配置组装好的协调者
type app struct {
	cfg     *config
	txm     *goxa.TXManager
	closers []io.Closer
}

func openDB(dsn string) (*gorm.DB, error) {
	return gorm.Open(gmysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

func newApp(ctx context.Context, cfg *config, background bool) (*app, error) {
	log.SetDefaultLogger(log.NewSugarLogger(log.NewOptions(
		log.WithLogLevel(cfg.LogLevel),
		log.WithFileName(cfg.LogFile),
	)))

	a := &app{cfg: cfg}
	store, err := a.openJournal(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	resources := make([]goxa.Resource, 0, len(cfg.Resources))
	for name, dsn := range cfg.Resources {
		db, err := a.open(dsn)
		if err != nil {
			a.close()
			return nil, err
		}
		resources = append(resources, mysqlxa.New(name, db))
	}

	opts := []goxa.Option{
		goxa.WithServerID(cfg.ServerID),
		goxa.WithTimeout(cfg.Timeout),
		goxa.WithHeartbeat(cfg.Heartbeat),
		goxa.WithRecoveryTimeout(cfg.RecoveryTimeout),
		goxa.WithResources(resources...),
		goxa.WithPeerResolver(peer.NewStaticResolver(cfg.ServerID, cfg.Peers, nil)),
	}
	if background {
		opts = append(opts, goxa.WithMonitorTick(cfg.MonitorTick), goxa.WithRecoverOnStart(cfg.RecoverOnStart))
	}
	if cfg.RedisAddress != "" {
		client := redislock.NewRedisClient(cfg.RedisNetwork, cfg.RedisAddress, cfg.RedisPassword)
		opts = append(opts, goxa.WithRecoveryLocker(redislock.NewLocker(client, cfg.LockGroup)))
	}

	txm, err := goxa.NewTXManager(store, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.txm = txm
	return a, nil
}

func (a *app) openJournal(ctx context.Context) (goxa.JournalStore, error) {
	if a.cfg.Journal == journalBadger {
		store, err := badgerjournal.Open(a.cfg.JournalDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	}

	db, err := a.open(a.cfg.JournalDSN)
	if err != nil {
		return nil, err
	}
	store := gormjournal.NewStore(db, a.cfg.JournalBatchSize)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (a *app) open(dsn string) (*gorm.DB, error) {
	db, err := openDB(dsn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqlDB)
	return db, nil
}

func (a *app) close() {
	if a.txm != nil {
		a.txm.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warnf("close failed, err: %v", err)
		}
	}
}

// serve 对外提供 peer 接口，直到 ctx 被取消
func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Listen,
		Handler: peer.NewServer(a.txm),
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Infof("peer endpoint listening, addr: %s", a.cfg.Listen)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
