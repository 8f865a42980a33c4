package wrkqmgr

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/journal"
)

// DumpOption decides when Dump writes.
type DumpOption int

const (
	// DumpIfThrottled dumps only in throttle mode, subject to skip suppression.
	DumpIfThrottled DumpOption = iota
	// DumpAlways dumps regardless of throttle mode, subject to skip suppression.
	DumpAlways
	// DumpUnconditionally always dumps.
	DumpUnconditionally
)

const skipIntervalPostfix = " Work Queue Mgr (Not an error - Skip Interval)"

// Dump logs the manager state. Without progress since the last dump the
// request is skipped, up to AllowedSkippedDumps times in a row.
func (m *Manager) Dump(level log.Level, postfix string, opt DumpOption) bool {
	g := m.lock("dump")
	defer g.Unlock()
	return m.dumpLocked(level, postfix, opt)
}

func (m *Manager) dumpLocked(level log.Level, postfix string, opt DumpOption) bool {
	// nothing is reset when the level is filtered out
	if !m.logger.Logger.IsLevelEnabled(level) || !m.cfg.AllowDump {
		return false
	}
	if opt != DumpUnconditionally && opt != DumpAlways && !m.throttleMode.Load() {
		return false
	}

	dumpIt := opt == DumpUnconditionally
	if !dumpIt {
		if m.processed != m.lastDumped {
			dumpIt = true
		} else if m.cfg.AllowedSkippedDumps > 0 && m.skippedDumps >= m.cfg.AllowedSkippedDumps {
			dumpIt = true
			postfix = skipIntervalPostfix
		}
	}
	if !dumpIt {
		m.skippedDumps++
		return false
	}

	fields := log.Fields{
		"throttle_mode":     m.throttleMode.Load(),
		"processed":         m.processed,
		"check_canceled":    m.checkForCanceledExtents.Load(),
		"last_processed":    m.lastQueueProcessed.String(),
		"last_with_entries": m.lastQueueWithEntries.String(),
		"last_async":        journal.Position{Seq: m.lastProcessedSeq, Offset: m.lastOffsetProcessed}.String(),
		"next_async":        journal.Position{Seq: m.readSeq, Offset: m.readOffset}.String(),
		"out_of_order":      len(m.outOfOrder),
		"inflight_hp":       m.InflightHPRequests(),
		"work_queues":       len(m.queues) + 1,
	}
	if m.concurrentHP > 0 {
		fields["concurrent_hp"] = fmt.Sprintf("%d/%d", m.concurrentHP, m.cfg.AllowedConcurrentHP)
	}
	if m.concurrentCancel > 0 {
		fields["concurrent_cancel"] = fmt.Sprintf("%d/%d", m.concurrentCancel, m.cfg.AllowedConcurrentCancel)
	}
	if m.cfg.AsyncTurbo {
		fields["turbo_factor"] = m.asyncCtrl.getFactor()
		fields["turbo_no_new"] = m.turboConsecutive
	}
	if len(m.outOfOrder) > 0 {
		fields["out_of_order_positions"] = formatPositions(m.outOfOrder)
	}

	m.logger.Log(level, ">>>>> Start: WRKQMGR"+postfix+" <<<<<")
	m.logger.WithFields(fields).Log(level, "work queue manager")
	m.hp.Dump(m.logger, level, "          ")
	for _, key := range m.keys {
		m.queues[key].Dump(m.logger, level, "          ")
	}
	m.logger.Log(level, ">>>>>   End: WRKQMGR"+postfix+" <<<<<")

	m.lastDumped = m.processed
	m.skippedDumps = 0
	m.dumpCtrl.reset()
	return true
}

// ============================================================================
// Status
// ============================================================================

// QueueStatus is the state of one volume queue.
type QueueStatus struct {
	Connection string `json:"connection"`
	UUID       string `json:"uuid"`
	JobID      uint64 `json:"job_id"`
	Size       int    `json:"size"`
	Rate       uint64 `json:"rate"`
	Bucket     int64  `json:"bucket"`
	Suspended  bool   `json:"suspended"`
	Canceled   bool   `json:"canceled"`
	Processed  uint64 `json:"processed"`
}

// HPStatus is the state of the HP queue and the journal cursors.
type HPStatus struct {
	Size             int                `json:"size"`
	Enqueued         uint64             `json:"enqueued"`
	Processed        uint64             `json:"processed"`
	ConcurrentHP     int                `json:"concurrent_hp"`
	ConcurrentCancel int                `json:"concurrent_cancel"`
	Inflight         int                `json:"inflight"`
	ReadCursor       journal.Position   `json:"read_cursor"`
	LastProcessed    journal.Position   `json:"last_processed"`
	OutOfOrder       []journal.Position `json:"out_of_order,omitempty"`
}

// Status is a point in time view of the manager.
type Status struct {
	Hostname     string                    `json:"hostname"`
	Time         time.Time                 `json:"time"`
	ThrottleMode bool                      `json:"throttle_mode"`
	TurboFactor  float64                   `json:"turbo_factor"`
	Processed    uint64                    `json:"processed"`
	Semaphore    int                       `json:"semaphore"`
	Queues       []QueueStatus             `json:"queues"`
	HP           HPStatus                  `json:"hp"`
	Heartbeats   map[string]HeartbeatEntry `json:"heartbeats,omitempty"`
}

// Status returns the current manager state.
func (m *Manager) Status() Status {
	g := m.lock("status")
	st := Status{
		Hostname:     m.cfg.Hostname,
		Time:         m.now(),
		ThrottleMode: m.throttleMode.Load(),
		TurboFactor:  m.asyncCtrl.getFactor(),
		Processed:    m.processed,
		Semaphore:    m.sem.Value(),
		Queues:       make([]QueueStatus, 0, len(m.keys)),
		HP: HPStatus{
			Size:             m.hp.Size(),
			Enqueued:         m.hp.Enqueued(),
			Processed:        m.hp.HPProcessed(),
			ConcurrentHP:     m.concurrentHP,
			ConcurrentCancel: m.concurrentCancel,
			ReadCursor:       journal.Position{Seq: m.readSeq, Offset: m.readOffset},
			LastProcessed:    journal.Position{Seq: m.lastProcessedSeq, Offset: m.lastOffsetProcessed},
			OutOfOrder:       append([]journal.Position(nil), m.outOfOrder...),
		},
	}
	for _, key := range m.keys {
		q := m.queues[key]
		st.Queues = append(st.Queues, QueueStatus{
			Connection: key.Connection,
			UUID:       key.UUID,
			JobID:      q.JobID(),
			Size:       q.Size(),
			Rate:       q.Rate(),
			Bucket:     q.Bucket(),
			Suspended:  q.Suspended(),
			Canceled:   q.HasCanceledExtents(),
			Processed:  q.Processed(),
		})
	}
	g.Unlock()

	st.HP.Inflight = m.InflightHPRequests()
	st.Heartbeats = m.Heartbeats()
	return st
}
