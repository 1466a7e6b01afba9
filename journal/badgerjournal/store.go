package badgerjournal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/xiaoxuxiansheng/goxa"
)

const (
	keyPrefix    = "xa/"
	kindDecision = "d"
	kindComplete = "c"
)

// Store 基于嵌入式 KV 的事务日志，适合单机部署.
// key: xa/<hex(server)>/<hex(gtrid)>/<hex(bqual)>/<d|c>/<resource>
// value: [1 字节决议][8 字节 unix nano]
type Store struct {
	db *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open 打开目录下的日志. 每次写入都会同步落盘
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, records ...*goxa.JournalRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, record := range records {
			if err := txn.Set(recordKey(record), recordValue(record)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Dangling(ctx context.Context, serverID string) ([]*goxa.JournalRecord, error) {
	decisions := make(map[string]*goxa.JournalRecord)
	var order []string
	completed := make(map[string]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = serverPrefix(serverID)
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			record, kind, branchKey, err := parseRecord(serverID, string(item.Key()), v)
			if err != nil {
				return err
			}
			if kind == kindComplete {
				completed[branchKey] = struct{}{}
				continue
			}
			if _, ok := decisions[branchKey]; !ok {
				order = append(order, branchKey)
			}
			decisions[branchKey] = record
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var records []*goxa.JournalRecord
	for _, branchKey := range order {
		if _, ok := completed[branchKey]; ok {
			continue
		}
		records = append(records, decisions[branchKey])
	}
	return records, nil
}

func (s *Store) Decision(ctx context.Context, serverID string, global goxa.Xid) (goxa.Decision, bool, error) {
	decision := goxa.DecisionRollback
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = []byte(string(serverPrefix(serverID)) + hex.EncodeToString(global.GlobalID()) + "/")
		it := txn.NewIterator(opt)
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			if len(val) < 1 {
				return fmt.Errorf("corrupted journal value for key %q", it.Item().Key())
			}
			decision = goxa.Decision(val[0])
			found = true
			return nil
		})
	})
	return decision, found, err
}

func serverPrefix(serverID string) []byte {
	return []byte(keyPrefix + hex.EncodeToString([]byte(serverID)) + "/")
}

func recordKey(record *goxa.JournalRecord) []byte {
	kind := kindDecision
	if record.Complete {
		kind = kindComplete
	}
	return []byte(strings.Join([]string{
		string(serverPrefix(record.ServerID)) + hex.EncodeToString(record.Xid.GlobalID()),
		hex.EncodeToString(record.Xid.BranchID()),
		kind,
		record.Resource,
	}, "/"))
}

func recordValue(record *goxa.JournalRecord) []byte {
	v := make([]byte, 0, 9)
	v = append(v, byte(record.Decision))
	return binary.BigEndian.AppendUint64(v, uint64(record.CreatedAt.UnixNano()))
}

// parseRecord 返回记录、记录类型以及分支维度的去重 key
func parseRecord(serverID, key string, v []byte) (*goxa.JournalRecord, string, string, error) {
	parts := strings.SplitN(strings.TrimPrefix(key, string(serverPrefix(serverID))), "/", 4)
	if len(parts) != 4 || len(v) != 9 {
		return nil, "", "", fmt.Errorf("corrupted journal key %q", key)
	}
	xid, err := goxa.ParseXid(parts[0] + ":" + parts[1])
	if err != nil {
		return nil, "", "", err
	}
	record := &goxa.JournalRecord{
		ServerID:  serverID,
		Xid:       xid,
		Resource:  parts[3],
		Decision:  goxa.Decision(v[0]),
		Complete:  parts[2] == kindComplete,
		CreatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(v[1:]))),
	}
	return record, parts[2], parts[0] + "/" + parts[1] + "/" + parts[3], nil
}

var _ goxa.JournalStore = (*Store)(nil)
