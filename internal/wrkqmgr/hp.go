package wrkqmgr

// ============================================================================
// Async Request Protocol
// 職責：
// 1. 追加本機請求到共享 journal
// 2. 定期讀取 journal 新記錄，每筆記錄成為一個 HP 工作項目（tag = offset）
// 3. 依 journal 順序記錄完成狀態，亂序完成的位置 (seq, offset) 暫存於 outOfOrder
// 4. ProcessAllOutstandingHPRequests 等待所有已讀取的請求完成
// ============================================================================

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// HeartbeatTimeFormat is the server time carried by heartbeat requests.
const HeartbeatTimeFormat = "2006-01-02_15:04:05"

// AppendAsyncRequest appends req to the journal. Any append postpones the
// next local heartbeat.
func (m *Manager) AppendAsyncRequest(ctx context.Context, req journal.AsyncRequest) (journal.Position, error) {
	if req.Hostname == "" {
		req.Hostname = m.cfg.Hostname
	}
	pos, err := m.store.Append(ctx, req)
	if err != nil {
		return pos, err
	}
	m.heartbeatCtrl.reset()
	m.metrics.AsyncRequestAppended(req.Verb() == journal.VerbHeartbeat)
	return pos, nil
}

// AppendCommand appends cmd on behalf of the local server.
func (m *Manager) AppendCommand(ctx context.Context, cmd journal.Command) (journal.Position, error) {
	return m.AppendAsyncRequest(ctx, journal.NewAsyncRequest(m.cfg.Hostname, cmd))
}

// sendHeartbeat appends a heartbeat carrying the current server time.
func (m *Manager) sendHeartbeat(ctx context.Context) error {
	_, err := m.AppendCommand(ctx, journal.Command{
		Verb: journal.VerbHeartbeat,
		Str1: time.Now().UTC().Format(HeartbeatTimeFormat),
	})
	return err
}

// CheckForNewHPWorkItems enqueues an HP work item for every record appended
// since the last check and returns the cumulative number of HP work items.
func (m *Manager) CheckForNewHPWorkItems(ctx context.Context) uint64 {
	g := m.lock("checkForNewHPWorkItems")
	defer g.Unlock()
	return g.checkForNewHPWorkItems(ctx)
}

func (g *Guard) checkForNewHPWorkItems(ctx context.Context) uint64 {
	m := g.m
	current := m.hp.Enqueued()

	pos, err := m.store.Latest(ctx)
	if err != nil {
		m.logger.WithError(err).Error("unable to read the cross server async request file")
		return current
	}

	rs := m.store.RecordSize()
	seq, off := m.readSeq, m.readOffset
	added := 0
	for seq <= pos.Seq {
		target := pos.Offset
		if seq < pos.Seq {
			if target, err = m.store.FileSize(ctx, seq); err != nil {
				m.logger.WithField("seq", seq).WithError(err).Error("unable to size async request file")
				break
			}
		}
		for ; off+rs <= target; off += rs {
			if off == 0 {
				m.logger.WithField("seq", seq).Info("starting to process async requests from a new file")
			}
			g.AddHPWorkItem(journal.Position{Seq: seq, Offset: off})
			added++
		}
		if seq == pos.Seq {
			break
		}
		seq, off = seq+1, 0
	}

	if added > 0 {
		m.readSeq, m.readOffset = seq, off
		m.turboFound()
		m.logger.WithFields(log.Fields{"found": added, "next": journal.Position{Seq: seq, Offset: off}.String()}).
			Debug("new async requests found")
	} else {
		m.turboNotFound()
	}
	m.asyncCtrl.reset()
	m.metrics.HPRequestsFound(added)
	return current + uint64(added)
}

// AddHPWorkItem enqueues the record at pos on the HP queue and posts it.
func (g *Guard) AddHPWorkItem(pos journal.Position) {
	m := g.m
	qg := g.LockQueue(m.hp, "addHPWorkItem")
	qg.Enqueue(types.WorkID{Key: types.HPKey, Tag: pos.Offset, Seq: pos.Seq})
	qg.Unlock()
	m.sem.Post()
}

// ReadCursor returns where the next unread record lives.
func (m *Manager) ReadCursor() journal.Position {
	g := m.lock("getOffsetToNextAsyncRequest")
	defer g.Unlock()
	return journal.Position{Seq: m.readSeq, Offset: m.readOffset}
}

// ============================================================================
// Turbo
// ============================================================================

func (m *Manager) turboFound() {
	if !m.cfg.AsyncTurbo {
		return
	}
	c := m.asyncCtrl
	tf := m.cfg.TurboFactor
	if math.Round(float64(c.popCount)*c.getFactor()*tf) >= 1 {
		c.setFactor(c.getFactor() * tf)
		m.logger.WithField("factor", c.getFactor()).Debug("async request read turbo factor increased")
	}
	m.turboConsecutive = 0
	m.metrics.TurboFactor(c.getFactor())
}

func (m *Manager) turboNotFound() {
	if !m.cfg.AsyncTurbo {
		return
	}
	m.turboConsecutive++
	if m.turboConsecutive%m.cfg.TurboClipValue != 0 {
		return
	}
	c := m.asyncCtrl
	tf := m.cfg.TurboFactor
	ceiling := math.Round(float64(m.cfg.AsyncRequestReadInterval) / float64(m.cfg.ThrottleInterval))
	if math.Round(float64(c.popCount)*c.getFactor()/tf) <= ceiling {
		c.setFactor(c.getFactor() / tf)
		m.turboConsecutive = 0
		m.logger.WithField("factor", c.getFactor()).Debug("async request read turbo factor decreased")
	}
	m.metrics.TurboFactor(c.getFactor())
}

// TurboFactor returns the current async poll factor.
func (m *Manager) TurboFactor() float64 { return m.asyncCtrl.getFactor() }

// ============================================================================
// 請求讀取
// ============================================================================

// GetAsyncRequest reads the record behind the HP work item w. Work items
// without a file sequence number are located from the read cursor: tags at
// or past the read offset belong to the previous file.
func (m *Manager) GetAsyncRequest(ctx context.Context, w types.WorkID) (journal.AsyncRequest, error) {
	g := m.lock("getAsyncRequest")
	defer g.Unlock()
	return m.getAsyncRequestLocked(ctx, w)
}

func (m *Manager) getAsyncRequestLocked(ctx context.Context, w types.WorkID) (journal.AsyncRequest, error) {
	pos := m.hpPosition(w)
	req, err := m.store.ReadAt(ctx, pos.Seq, pos.Offset)
	if err != nil {
		return req, errors.Wrapf(err, "async request at %s", pos)
	}
	m.logger.WithFields(log.Fields{
		"offset":   fmt.Sprintf("0x%08X", w.Tag),
		"hostname": req.Hostname,
	}).Debug("async request -> " + req.Data)
	return req, nil
}

// PeekAtNextAsyncRequest returns the verb of the record behind w. Records
// from this server are not parsed.
func (m *Manager) PeekAtNextAsyncRequest(ctx context.Context, w types.WorkID) string {
	g := m.lock("peekAtNextAsyncRequest")
	defer g.Unlock()
	return m.peekLocked(ctx, w)
}

func (m *Manager) peekLocked(ctx context.Context, w types.WorkID) string {
	req, err := m.getAsyncRequestLocked(ctx, w)
	if err != nil {
		m.logger.WithField("offset", w.Tag).WithError(err).Error("unable to retrieve the next async request")
		return ""
	}
	if !req.SameHost(m.cfg.Hostname) {
		if _, err := req.Parse(); err != nil {
			m.logger.WithField("hostname", req.Hostname).WithError(err).Error("unable to parse the next async request")
		}
	}
	return req.Verb()
}

// ============================================================================
// 派發與完成
// ============================================================================

// TakeHPWorkItem removes the next HP work item, reads its record and counts
// it against the concurrency caps. The caller reports completion with
// CompleteHPWorkItem. A record that cannot be read is completed here.
func (g *Guard) TakeHPWorkItem(ctx context.Context) (types.WorkID, journal.AsyncRequest, error) {
	m := g.m
	w, _, err := g.RemoveWorkItem(m.hp)
	if err != nil {
		return w, journal.AsyncRequest{}, err
	}
	req, err := m.getAsyncRequestLocked(ctx, w)
	if err != nil {
		m.logger.WithField("offset", w.Tag).WithError(err).Error("async request skipped")
		m.manageWorkItemsProcessedLocked(w)
		return w, req, err
	}
	m.incrementConcurrent(journal.IsCancelClass(req.Verb()))
	return w, req, nil
}

// CompleteHPWorkItem releases the concurrency slot of an HP work item taken
// with TakeHPWorkItem and advances the completion cursor.
func (m *Manager) CompleteHPWorkItem(w types.WorkID, req journal.AsyncRequest) {
	g := m.lock("completeHPWorkItem")
	m.decrementConcurrent(journal.IsCancelClass(req.Verb()))
	m.manageWorkItemsProcessedLocked(w)
	g.Unlock()
	m.metrics.WorkItemProcessed(true)
}

// calcNextOffsetToProcess returns the location following (seq, off). Files
// left behind by rotation, including empty ones, are skipped.
func (m *Manager) calcNextOffsetToProcess(seq int, off uint64) (int, uint64) {
	if off == StartAtOffsetZero {
		off = 0
	} else {
		off += m.store.RecordSize()
	}
	for m.store.CrossingBoundary(context.Background(), seq, off) {
		seq, off = seq+1, 0
	}
	return seq, off
}

// hpPosition returns the journal location of the HP work item w.
func (m *Manager) hpPosition(w types.WorkID) journal.Position {
	seq := w.Seq
	if seq == 0 {
		seq = m.readSeq
		if w.Tag >= m.readOffset {
			seq--
		}
	}
	return journal.Position{Seq: seq, Offset: w.Tag}
}

// manageWorkItemsProcessedLocked moves the completion cursor forward only
// when every earlier record is complete. Completions that arrive early wait
// in outOfOrder.
func (m *Manager) manageWorkItemsProcessedLocked(w types.WorkID) {
	done := m.hpPosition(w)
	seq, target := m.calcNextOffsetToProcess(m.lastProcessedSeq, m.lastOffsetProcessed)
	if done != (journal.Position{Seq: seq, Offset: target}) {
		m.outOfOrder = append(m.outOfOrder, done)
		m.logger.WithField("position", done.String()).Info("async request completed out of order")
		return
	}

	m.markHPProcessed(seq, target)
	for len(m.outOfOrder) > 0 {
		nseq, next := m.calcNextOffsetToProcess(seq, target)
		i := indexOf(m.outOfOrder, journal.Position{Seq: nseq, Offset: next})
		if i < 0 {
			break
		}
		m.outOfOrder = append(m.outOfOrder[:i], m.outOfOrder[i+1:]...)
		seq, target = nseq, next
		m.markHPProcessed(seq, target)
		m.logger.WithField("position", journal.Position{Seq: seq, Offset: target}.String()).
			Info("out of order async request now complete")
	}
}

func (m *Manager) markHPProcessed(seq int, off uint64) {
	m.lastProcessedSeq = seq
	m.lastOffsetProcessed = off
	m.hp.IncrementHPProcessed()
}

func indexOf(s []journal.Position, v journal.Position) int {
	for i := range s {
		if s[i] == v {
			return i
		}
	}
	return -1
}

// NextOffsetToProcess returns the record whose completion advances the
// completion cursor next.
func (m *Manager) NextOffsetToProcess() journal.Position {
	g := m.lock("nextOffsetToProcess")
	defer g.Unlock()
	seq, off := m.calcNextOffsetToProcess(m.lastProcessedSeq, m.lastOffsetProcessed)
	return journal.Position{Seq: seq, Offset: off}
}

// OutOfOrderPositions returns the completed records still waiting on
// earlier ones.
func (m *Manager) OutOfOrderPositions() []journal.Position {
	g := m.lock("outOfOrderPositions")
	defer g.Unlock()
	return append([]journal.Position(nil), m.outOfOrder...)
}

// ============================================================================
// In-flight HP 請求
// ============================================================================

// StartProcessingHPRequest records req as in flight.
func (m *Manager) StartProcessingHPRequest(req journal.AsyncRequest) error {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, dup := m.inflight[req.Data]; dup {
		m.logger.WithField("request", req.Data).Info("async request is already being processed")
		return errors.Wrapf(ErrDuplicateRequest, "%q", req.Data)
	}
	m.inflight[req.Data] = struct{}{}
	return nil
}

// EndProcessingHPRequest removes req from the in-flight set.
func (m *Manager) EndProcessingHPRequest(req journal.AsyncRequest) {
	m.inflightMu.Lock()
	delete(m.inflight, req.Data)
	m.inflightMu.Unlock()
}

// InflightHPRequests returns the number of requests being processed.
func (m *Manager) InflightHPRequests() int {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	return len(m.inflight)
}

// ============================================================================
// 等待所有 HP 請求
// ============================================================================

// ProcessAllOutstandingHPRequests reads any newly appended records, then
// waits until every HP work item read so far has completed. The manager lock
// is dropped while waiting; a metadata lock passed in held stays released
// until the wait is over.
func (m *Manager) ProcessAllOutstandingHPRequests(ctx context.Context, held Held) error {
	g := m.Lock("processAllOutstandingHPRequests", held)
	defer g.Unlock()

	target := g.checkForNewHPWorkItems(ctx)
	m.hp.Dump(m.logger, log.InfoLevel, "processAllOutstandingHPRequests")

	for i := 0; m.hp.HPProcessed() < target; i++ {
		if i%20 == 10 {
			m.logger.WithFields(log.Fields{
				"processed":  m.hp.HPProcessed(),
				"to_process": target,
				"last":       journal.Position{Seq: m.lastProcessedSeq, Offset: m.lastOffsetProcessed}.String(),
				"next":       journal.Position{Seq: m.readSeq, Offset: m.readOffset}.String(),
				"out_of_ord": len(m.outOfOrder),
			}).Info(">>>>> DELAY <<<<< processing all outstanding async requests")
		}
		g.pause()
		select {
		case <-ctx.Done():
			g.resume()
			return ctx.Err()
		case <-time.After(m.cfg.OutstandingPollInterval):
		}
		g.resume()
	}
	return nil
}

func formatPositions(ps []journal.Position) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}
