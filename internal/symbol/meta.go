package symbol

import (
	"time"

	"perpfeed/pkg/types"
)

// Meta is the per-symbol bookkeeping that sits next to the replica: snapshot
// backoff state, rolling event windows, live samples, and transition stamps.
// Owned by the symbol's actor.
type Meta struct {
	SnapshotBackoff     time.Duration // current per-symbol backoff (doubles on failure)
	LastSnapshotAttempt time.Time
	LastSnapshotOK      time.Time
	ConsecutiveErrors   int
	HaltedUntil         time.Time // set on 429/418 from Retry-After
	LastTransition      time.Time
	LastLiveAt          time.Time
	GoodStreak          int64 // contiguous applied diffs since the last fault

	DepthMsgs     *Window
	Desyncs       *Window
	SnapshotOKs   *Window
	SnapshotSkips *Window
	Broadcasts    *Window
	Live          *LiveSamples
}

// NewMeta creates meta with the given initial snapshot backoff and a 60 s
// retention on every rolling window.
func NewMeta(initialBackoff time.Duration) *Meta {
	keep := 60 * time.Second
	return &Meta{
		SnapshotBackoff: initialBackoff,
		DepthMsgs:       NewWindow(keep),
		Desyncs:         NewWindow(keep),
		SnapshotOKs:     NewWindow(keep),
		SnapshotSkips:   NewWindow(keep),
		Broadcasts:      NewWindow(keep),
		Live:            NewLiveSamples(keep),
	}
}

// Status is the immutable per-symbol view the actor publishes for the
// control surface. All counts are prune-on-read results at publish time.
type Status struct {
	Symbol            string                `json:"symbol"`
	State             types.SymbolState     `json:"state"`
	LastTransition    time.Time             `json:"lastTransition"`
	LastSnapshotOK    time.Time             `json:"lastSnapshotOk"`
	SnapshotBackoffMs int64                 `json:"snapshotBackoffMs"`
	HaltedUntil       time.Time             `json:"haltedUntil,omitempty"`
	LastUpdateID      int64                 `json:"lastUpdateId"`
	LastSeq           int64                 `json:"lastAppliedSequence"`
	BidLevels         int                   `json:"bidLevels"`
	AskLevels         int                   `json:"askLevels"`
	GoodStreak        int64                 `json:"goodSequenceStreak"`
	DepthMsgs10s      int                   `json:"depthMsgs10s"`
	Desyncs10s        int                   `json:"desyncs10s"`
	Desyncs60s        int                   `json:"desyncs60s"`
	SnapshotOK60s     int                   `json:"snapshotOk60s"`
	SnapshotSkip60s   int                   `json:"snapshotSkip60s"`
	Broadcasts10s     int                   `json:"broadcasts10s"`
	LivePct60s        float64               `json:"liveUptimePct60s"`
	Integrity         types.IntegrityReport `json:"integrity"`
}
