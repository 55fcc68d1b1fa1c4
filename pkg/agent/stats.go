package agent

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats collects runtime counters for the admin endpoint. A nil *Stats is
// valid and records nothing.
type Stats struct {
	started time.Time

	connected       atomic.Bool
	connectedAt     atomic.Int64
	pending         atomic.Int64
	sessions        atomic.Uint64
	connectFailures atomic.Uint64
	lastSweep       atomic.Int64
	swept           atomic.Uint64
	uploadsOK       atomic.Uint64
	uploadsFailed   atomic.Uint64

	mu        sync.Mutex
	sessionID string
}

func NewStats() *Stats { return &Stats{started: time.Now()} }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Connected       bool       `json:"connected"`
	SessionID       string     `json:"session_id,omitempty"`
	ConnectedSince  *time.Time `json:"connected_since,omitempty"`
	PendingTasks    int64      `json:"pending_tasks"`
	Sessions        uint64     `json:"sessions"`
	ConnectFailures uint64     `json:"connect_failures"`
	LastSweep       *time.Time `json:"last_sweep,omitempty"`
	SweptShares     uint64     `json:"swept_shares"`
	UploadsOK       uint64     `json:"uploads_ok"`
	UploadsFailed   uint64     `json:"uploads_failed"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
}

func (s *Stats) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Connected:       s.connected.Load(),
		PendingTasks:    s.pending.Load(),
		Sessions:        s.sessions.Load(),
		ConnectFailures: s.connectFailures.Load(),
		SweptShares:     s.swept.Load(),
		UploadsOK:       s.uploadsOK.Load(),
		UploadsFailed:   s.uploadsFailed.Load(),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
	}
	if snap.Connected {
		t := time.Unix(0, s.connectedAt.Load())
		snap.ConnectedSince = &t
		s.mu.Lock()
		snap.SessionID = s.sessionID
		s.mu.Unlock()
	}
	if v := s.lastSweep.Load(); v != 0 {
		t := time.Unix(0, v)
		snap.LastSweep = &t
	}
	return snap
}

func (s *Stats) sessionStarted(id string, at time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	s.connectedAt.Store(at.UnixNano())
	s.sessions.Add(1)
	s.connected.Store(true)
}

func (s *Stats) sessionEnded() {
	if s == nil {
		return
	}
	s.connected.Store(false)
}

func (s *Stats) connectFailed() {
	if s != nil {
		s.connectFailures.Add(1)
	}
}

func (s *Stats) taskDelta(d int64) {
	if s != nil {
		s.pending.Add(d)
	}
}

func (s *Stats) sweepDone(n int, at time.Time) {
	if s == nil {
		return
	}
	s.swept.Add(uint64(n))
	s.lastSweep.Store(at.UnixNano())
}

func (s *Stats) uploadDone(ok bool) {
	if s == nil {
		return
	}
	if ok {
		s.uploadsOK.Add(1)
	} else {
		s.uploadsFailed.Add(1)
	}
}
