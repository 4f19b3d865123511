package update

import (
	"errors"
	"time"
)

// State 是更新状态机的状态。
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StateReady       State = "ready"
	StateActivating  State = "activating"
)

var (
	// ErrAssetFetch 表示预取资源在重试预算内仍失败（AssetFetchFailure）。
	ErrAssetFetch = errors.New("asset fetch failed")
	// ErrCycleInProgress 表示已有检查或构建在进行。
	ErrCycleInProgress = errors.New("update cycle already in progress")
)

// Transition 记录一次状态迁移。
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Hash   string    `json:"hash,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// allowed 列出合法迁移，非法迁移属于编程错误。
var allowed = map[State][]State{
	StateIdle:        {StateChecking},
	StateChecking:    {StateIdle, StateReady, StateDownloading},
	StateDownloading: {StateIdle, StateReady},
	StateReady:       {StateChecking, StateActivating},
	StateActivating:  {StateIdle},
}

func canTransition(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
