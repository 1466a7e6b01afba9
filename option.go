package goxa

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultHeartbeat       = time.Second
	defaultRecoveryTimeout = 30 * time.Second
	defaultInboxSize       = 256
)

type Options struct {
	// 本 server 的唯一标识，会被编码进它签发的每一个 xid
	ServerID string
	// 事务执行时长限制
	Timeout time.Duration
	// 超时检测的心跳间隔
	Heartbeat time.Duration
	// 周期性恢复任务的间隔时长，为 0 时不启动
	MonitorTick time.Duration
	// 单轮恢复的时长上限
	RecoveryTimeout time.Duration
	// 每个 actor 收件箱的容量
	InboxSize int
	// 启动时是否立即执行一轮恢复
	RecoverOnStart bool

	// 启动时注册的资源. 需要启动恢复的资源必须通过这里注册
	Resources      []Resource
	PeerResolver   PeerResolver
	RecoveryLocker RecoveryLocker
	Clock          Clock
}

type Option func(*Options)

func WithServerID(serverID string) Option {
	return func(o *Options) {
		o.ServerID = serverID
	}
}

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithHeartbeat(heartbeat time.Duration) Option {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return func(o *Options) {
		o.Heartbeat = heartbeat
	}
}

func WithMonitorTick(tick time.Duration) Option {
	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithRecoveryTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = defaultRecoveryTimeout
	}

	return func(o *Options) {
		o.RecoveryTimeout = timeout
	}
}

func WithInboxSize(size int) Option {
	return func(o *Options) {
		o.InboxSize = size
	}
}

func WithRecoverOnStart(recoverOnStart bool) Option {
	return func(o *Options) {
		o.RecoverOnStart = recoverOnStart
	}
}

func WithResources(resources ...Resource) Option {
	return func(o *Options) {
		o.Resources = append(o.Resources, resources...)
	}
}

func WithPeerResolver(resolver PeerResolver) Option {
	return func(o *Options) {
		o.PeerResolver = resolver
	}
}

func WithRecoveryLocker(locker RecoveryLocker) Option {
	return func(o *Options) {
		o.RecoveryLocker = locker
	}
}

func WithClock(clock Clock) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

func repair(o *Options) {
	if o.ServerID == "" {
		o.ServerID = strings.ReplaceAll(uuid.NewString(), "-", "")[:MaxServerIDLen]
	}

	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}

	if o.Heartbeat <= 0 {
		o.Heartbeat = defaultHeartbeat
	}

	if o.MonitorTick < 0 {
		o.MonitorTick = 0
	}

	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = defaultRecoveryTimeout
	}

	if o.InboxSize <= 0 {
		o.InboxSize = defaultInboxSize
	}

	if o.PeerResolver == nil {
		o.PeerResolver = noPeers{}
	}

	if o.Clock == nil {
		o.Clock = realClock{}
	}
}

// noPeers 未配置远端协调者时使用
type noPeers struct{}

func (noPeers) Peer(serverID string) (Peer, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, serverID)
}

func (noPeers) Peers() []Peer { return nil }
