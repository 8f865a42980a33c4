package wrkqmgr

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// HeartbeatEntry is the last heartbeat seen from one server.
type HeartbeatEntry struct {
	Count      uint64    `json:"count"`       // heartbeats received
	Time       time.Time `json:"time"`        // local receive time
	ServerTime string    `json:"server_time"` // timestamp sent by the server
}

// declaredDead reports whether the entry is at least deadAfter seconds old.
func (e HeartbeatEntry) declaredDead(now time.Time, deadAfter uint64) bool {
	return now.Sub(e.Time) >= time.Duration(deadAfter)*time.Second
}

// UpdateHeartbeatData records a heartbeat from host, keeping the last
// server timestamp.
func (m *Manager) UpdateHeartbeatData(host string) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	e := m.heartbeats[host]
	m.heartbeats[host] = HeartbeatEntry{Count: e.Count + 1, Time: m.now(), ServerTime: e.ServerTime}
}

// UpdateHeartbeatDataWithTime records a heartbeat from host carrying the
// server's own timestamp.
func (m *Manager) UpdateHeartbeatDataWithTime(host, serverTime string) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	e := m.heartbeats[host]
	m.heartbeats[host] = HeartbeatEntry{Count: e.Count + 1, Time: m.now(), ServerTime: serverTime}
}

// HeartbeatEntry returns the entry for host.
func (m *Manager) HeartbeatEntry(host string) (HeartbeatEntry, bool) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	e, ok := m.heartbeats[host]
	return e, ok
}

// Heartbeats returns a copy of every entry.
func (m *Manager) Heartbeats() map[string]HeartbeatEntry {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	out := make(map[string]HeartbeatEntry, len(m.heartbeats))
	for k, v := range m.heartbeats {
		out[k] = v
	}
	return out
}

// ServerDeclaredDead reports whether host has been silent for at least
// DeclareServerDeadCount seconds. A host never heard from is not dead.
func (m *Manager) ServerDeclaredDead(host string) bool {
	e, ok := m.HeartbeatEntry(host)
	if !ok {
		return false
	}
	return e.declaredDead(m.now(), m.declareDead.Load())
}

// SetDeclareServerDeadCount sets the silence, in seconds, after which a
// server is declared dead.
func (m *Manager) SetDeclareServerDeadCount(seconds uint64) {
	m.declareDead.Store(seconds)
}

// DeclareServerDeadCount returns the number of one second waits to spend on
// host: 1 when it is already dead, so callers loop at least once.
func (m *Manager) DeclareServerDeadCount(host string) uint64 {
	if m.ServerDeclaredDead(host) {
		return 1
	}
	return m.declareDead.Load()
}

// DumpHeartbeatData logs every reporting server.
func (m *Manager) DumpHeartbeatData(level log.Level, prefix string) {
	hb := m.Heartbeats()
	if len(hb) == 0 {
		m.logger.Log(level, ">>>>>   No other reporting servers")
		return
	}
	hosts := make([]string, 0, len(hb))
	for h := range hb {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	m.logger.WithField("servers", len(hb)).Log(level, ">>>>> Start: "+prefix+"reporting servers <<<<<")
	for i, h := range hosts {
		e := hb[h]
		m.logger.WithFields(log.Fields{
			"n":           i + 1,
			"host":        h,
			"count":       e.Count,
			"reported":    e.Time.Format(time.RFC3339Nano),
			"server_time": e.ServerTime,
		}).Log(level, "heartbeat")
	}
	m.logger.Log(level, ">>>>>   End: reporting servers <<<<<")
}
