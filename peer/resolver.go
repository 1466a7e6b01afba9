package peer

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/xiaoxuxiansheng/goxa"
)

// StaticResolver 基于静态配置的 server id -> 地址 映射
type StaticResolver struct {
	peers map[string]goxa.Peer
	order []string
}

func NewStaticResolver(localID string, endpoints map[string]string, httpClient *http.Client) *StaticResolver {
	r := &StaticResolver{peers: make(map[string]goxa.Peer, len(endpoints))}
	for serverID, baseURL := range endpoints {
		if serverID == localID {
			continue
		}
		r.peers[serverID] = NewClient(serverID, localID, baseURL, httpClient)
		r.order = append(r.order, serverID)
	}
	sort.Strings(r.order)
	return r
}

func (r *StaticResolver) Peer(serverID string) (goxa.Peer, error) {
	p, ok := r.peers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", goxa.ErrUnknownPeer, serverID)
	}
	return p, nil
}

func (r *StaticResolver) Peers() []goxa.Peer {
	peers := make([]goxa.Peer, 0, len(r.order))
	for _, serverID := range r.order {
		peers = append(peers, r.peers[serverID])
	}
	return peers
}

var _ goxa.PeerResolver = (*StaticResolver)(nil)
