package peer

const (
	pathPrepare  = "/xa/prepare"
	pathCommit   = "/xa/commit"
	pathRollback = "/xa/rollback"
	pathReady    = "/xa/ready"
	pathDone     = "/xa/done"
	pathRetry    = "/xa/retry"
	pathInDoubt  = "/xa/indoubt"
)

// xidRequest 所有请求共用的请求体. From 为发起请求的 server id
type xidRequest struct {
	Xid  string `json:"xid,omitempty"`
	From string `json:"from,omitempty"`
}

type inDoubtResponse struct {
	Xids []string `json:"xids"`
}

type errorResponse struct {
	Error string `json:"error"`
}
