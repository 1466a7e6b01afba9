package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	journalMySQL  = "mysql"
	journalBadger = "badger"
)

type config struct {
	ServerID        string
	Listen          string
	Timeout         time.Duration
	Heartbeat       time.Duration
	MonitorTick     time.Duration
	RecoveryTimeout time.Duration
	RecoverOnStart  bool

	Journal          string
	JournalDSN       string
	JournalDir       string
	JournalBatchSize int

	// 资源名称 -> mysql dsn
	Resources map[string]string
	// 远端 server id -> http 地址
	Peers map[string]string

	RedisNetwork  string
	RedisAddress  string
	RedisPassword string
	LockGroup     string

	LogLevel string
	LogFile  string
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("config", "", "path to a yaml config file")
	flags.String("server-id", "", "unique id of this coordinator (1..16 bytes)")
	flags.String("listen", ":7070", "address the peer endpoint listens on")
	flags.Duration("timeout", 30*time.Second, "transaction deadline")
	flags.Duration("heartbeat", time.Second, "timeout detection interval")
	flags.Duration("monitor-tick", time.Minute, "periodic recovery interval, 0 disables it")
	flags.Duration("recovery-timeout", 30*time.Second, "deadline of a single recovery pass")
	flags.Bool("recover-on-start", true, "run a recovery pass at startup")
	flags.String("journal", journalMySQL, "journal backend: mysql or badger")
	flags.String("journal-dsn", "", "mysql dsn of the journal")
	flags.String("journal-dir", "./goxa-journal", "badger directory of the journal")
	flags.Int("journal-batch-size", 100, "rows per insert batch")
	flags.String("redis-network", "tcp", "redis network of the recovery lock")
	flags.String("redis-address", "", "redis address of the recovery lock, empty disables it")
	flags.String("redis-password", "", "redis password of the recovery lock")
	flags.String("lock-group", "default", "coordinators sharing a journal share a lock group")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-file", "", "log file, empty writes to stderr")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	v.SetEnvPrefix("GOXA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// map 类型的配置不会被 AutomaticEnv 识别，需要显式绑定. 环境变量取值为 json 对象
	_ = v.BindEnv("resources")
	_ = v.BindEnv("peers")
}

func readConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (*config, error) {
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	resources, err := stringMap(v, "resources")
	if err != nil {
		return nil, err
	}
	peers, err := stringMap(v, "peers")
	if err != nil {
		return nil, err
	}

	cfg := &config{
		ServerID:         strings.TrimSpace(v.GetString("server-id")),
		Listen:           v.GetString("listen"),
		Timeout:          v.GetDuration("timeout"),
		Heartbeat:        v.GetDuration("heartbeat"),
		MonitorTick:      v.GetDuration("monitor-tick"),
		RecoveryTimeout:  v.GetDuration("recovery-timeout"),
		RecoverOnStart:   v.GetBool("recover-on-start"),
		Journal:          strings.ToLower(strings.TrimSpace(v.GetString("journal"))),
		JournalDSN:       v.GetString("journal-dsn"),
		JournalDir:       v.GetString("journal-dir"),
		JournalBatchSize: v.GetInt("journal-batch-size"),
		Resources:        resources,
		Peers:            peers,
		RedisNetwork:     v.GetString("redis-network"),
		RedisAddress:     v.GetString("redis-address"),
		RedisPassword:    v.GetString("redis-password"),
		LockGroup:        v.GetString("lock-group"),
		LogLevel:         v.GetString("log-level"),
		LogFile:          v.GetString("log-file"),
	}
	return cfg, cfg.validate()
}

func stringMap(v *viper.Viper, key string) (map[string]string, error) {
	raw := v.Get(key)
	if raw == nil {
		return map[string]string{}, nil
	}
	m, err := cast.ToStringMapStringE(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return m, nil
}

func (c *config) validate() error {
	// server id 必须稳定，否则重启后无法找回自己写入的日志
	if c.ServerID == "" {
		return fmt.Errorf("server-id is required")
	}
	switch c.Journal {
	case journalMySQL:
		if c.JournalDSN == "" {
			return fmt.Errorf("journal-dsn is required for the mysql journal")
		}
	case journalBadger:
		if c.JournalDir == "" {
			return fmt.Errorf("journal-dir is required for the badger journal")
		}
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal)
	}
	return nil
}
