// Package flightlog keeps the most recent log entries in a fixed-size ring so
// that fatal paths can flush recent context before the process exits.
package flightlog

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultSize is the ring capacity used by Default.
const DefaultSize = 512

// Entry is one recorded log line.
type Entry struct {
	Time    time.Time
	Level   log.Level
	Message string
	Fields  log.Fields
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-7s %s", e.Time.Format("15:04:05.000000"), strings.ToUpper(e.Level.String()), e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

// Recorder is a logrus hook holding the last N entries.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// New returns a recorder keeping size entries.
func New(size int) *Recorder {
	if size <= 0 {
		size = DefaultSize
	}
	return &Recorder{entries: make([]Entry, size)}
}

// Default is the process-wide recorder flushed by Fatal.
var Default = New(DefaultSize)

// Install adds r to logger's hooks.
func Install(logger *log.Logger, r *Recorder) {
	logger.AddHook(r)
}

// Levels implements log.Hook.
func (r *Recorder) Levels() []log.Level { return log.AllLevels }

// Fire implements log.Hook.
func (r *Recorder) Fire(e *log.Entry) error {
	fields := make(log.Fields, len(e.Data))
	for k, v := range e.Data {
		fields[k] = v
	}
	r.mu.Lock()
	r.entries[r.next] = Entry{Time: e.Time, Level: e.Level, Message: e.Message, Fields: fields}
	r.next++
	if r.next == len(r.entries) {
		r.next, r.full = 0, true
	}
	r.mu.Unlock()
	return nil
}

// Entries returns the recorded entries, oldest first.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Entry(nil), r.entries[:r.next]...)
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// Dump writes the recorded entries to w.
func (r *Recorder) Dump(w io.Writer) {
	entries := r.Entries()
	fmt.Fprintf(w, ">>>>> Start: flight log, %d entries <<<<<\n", len(entries))
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
	fmt.Fprintf(w, ">>>>>   End: flight log <<<<<\n")
}

// Fatal flushes Default to the logger output and ends the process through
// logger.Fatal. Tests replace the logger's ExitFunc to observe it.
func Fatal(logger *log.Entry, msg string) {
	Default.Dump(logger.Logger.Out)
	logger.Fatal(msg)
}
