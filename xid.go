package goxa

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// 单个 server id 的最大字节数，保证分支 id 不超过 XA 的 64 字节上限
	MaxServerIDLen = 16
	// 全局 id 与分支 id 的 XA 长度上限
	MaxXidPartLen = 64
)

var ErrInvalidXid = errors.New("invalid xid")

// Xid 全局事务 id 与分支 id 组成的二元组. 字段为原始字节，以 string 形式保存，
// 因此 Xid 可以直接比较，也可以作为 map 的 key
type Xid struct {
	gtrid string
	bqual string
}

func NewXid(gtrid, bqual []byte) Xid {
	return Xid{gtrid: string(gtrid), bqual: string(bqual)}
}

// ParseXid 解析 hex(gtrid):hex(bqual) 格式的字符串
func ParseXid(s string) (Xid, error) {
	gtridHex, bqualHex, ok := strings.Cut(s, ":")
	if !ok {
		return Xid{}, fmt.Errorf("%w: %q", ErrInvalidXid, s)
	}
	gtrid, err := hex.DecodeString(gtridHex)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: gtrid: %v", ErrInvalidXid, err)
	}
	bqual, err := hex.DecodeString(bqualHex)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: bqual: %v", ErrInvalidXid, err)
	}
	if len(gtrid) == 0 || len(gtrid) > MaxXidPartLen || len(bqual) > MaxXidPartLen {
		return Xid{}, fmt.Errorf("%w: bad length", ErrInvalidXid)
	}
	if _, _, err := decodeID(gtrid); err != nil {
		return Xid{}, err
	}
	return NewXid(gtrid, bqual), nil
}

func (x Xid) GlobalID() []byte { return []byte(x.gtrid) }

func (x Xid) BranchID() []byte { return []byte(x.bqual) }

func (x Xid) IsZero() bool { return x.gtrid == "" }

// Global 仅保留全局 id 部分
func (x Xid) Global() Xid { return Xid{gtrid: x.gtrid} }

// SameGlobal 判断两个 xid 是否属于同一笔全局事务
func (x Xid) SameGlobal(o Xid) bool { return x.gtrid == o.gtrid }

func (x Xid) String() string {
	return hex.EncodeToString([]byte(x.gtrid)) + ":" + hex.EncodeToString([]byte(x.bqual))
}

// SuperiorID 从全局 id 中解析出发起全局事务的 server id
func (x Xid) SuperiorID() string {
	id, _, _ := decodeID([]byte(x.gtrid))
	return id
}

// BranchServerID 从分支 id 中解析出登记该分支的 server id.
// 分支 id 由全局 id 拼接登记方自身的 id 构成
func (x Xid) BranchServerID() string {
	if !strings.HasPrefix(x.bqual, x.gtrid) {
		return ""
	}
	id, _, _ := decodeID([]byte(x.bqual[len(x.gtrid):]))
	return id
}

// 编码格式: [len(server)][server][8 字节 unix nano][4 字节序号]
func encodeID(serverID string, ts int64, seq uint32) []byte {
	b := make([]byte, 0, 1+len(serverID)+12)
	b = append(b, byte(len(serverID)))
	b = append(b, serverID...)
	b = binary.BigEndian.AppendUint64(b, uint64(ts))
	b = binary.BigEndian.AppendUint32(b, seq)
	return b
}

func decodeID(b []byte) (string, int, error) {
	if len(b) == 0 {
		return "", 0, fmt.Errorf("%w: empty id", ErrInvalidXid)
	}
	n := int(b[0])
	size := 1 + n + 12
	if n == 0 || n > MaxServerIDLen || len(b) < size {
		return "", 0, fmt.Errorf("%w: truncated id", ErrInvalidXid)
	}
	return string(b[1 : 1+n]), size, nil
}

// XidGenerator 生成全局唯一的事务 id. 序号通过原子操作递增，可以被并发调用
type XidGenerator struct {
	serverID string
	seq      atomic.Uint32
	now      func() time.Time
}

func NewXidGenerator(serverID string, now func() time.Time) (*XidGenerator, error) {
	if serverID == "" || len(serverID) > MaxServerIDLen {
		return nil, fmt.Errorf("server id must be 1..%d bytes, got %q", MaxServerIDLen, serverID)
	}
	if now == nil {
		now = time.Now
	}
	return &XidGenerator{serverID: serverID, now: now}, nil
}

func (g *XidGenerator) ServerID() string { return g.serverID }

func (g *XidGenerator) nextID() []byte {
	return encodeID(g.serverID, g.now().UnixNano(), g.seq.Add(1))
}

// Global 生成一个新的全局事务 id，分支部分为空
func (g *XidGenerator) Global() Xid {
	return Xid{gtrid: string(g.nextID())}
}

// Branch 基于全局事务 id 生成一个属于本 server 的分支 id
func (g *XidGenerator) Branch(global Xid) Xid {
	return Xid{gtrid: global.gtrid, bqual: global.gtrid + string(g.nextID())}
}
