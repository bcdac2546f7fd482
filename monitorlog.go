package farm

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const ringCapacity = 1000

// LogLevel mirrors the three severities the monitor log distinguishes.
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogWarn:
		return "WARN"
	case LogError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogWarn:
		return zerolog.WarnLevel
	case LogError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogEntry is one ring-buffer record.
type LogEntry struct {
	TimestampMs int64
	Level       LogLevel
	Category    string
	Message     string
}

// ringWriter is the fixed-capacity in-memory ring buffer. MonitorLog.Log
// records every entry in it directly (zerolog itself writes only to
// stderr), independent of whether file logging has been armed yet.
type ringWriter struct {
	mu   sync.Mutex
	buf  []LogEntry
	next int
	full bool
}

func (r *ringWriter) record(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < ringCapacity {
		r.buf = append(r.buf, e)
		return
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % ringCapacity
	r.full = true
}

func (r *ringWriter) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, 0, len(r.buf))
	if !r.full {
		out = append(out, r.buf...)
		return out
	}
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// MonitorLog is a process-wide, mutex-guarded ring buffer of log
// entries built on zerolog. Once ArmFileLogging is called, every
// append is duplicated to nodes/{node_id}/monitor-YYYY-MM-DD.log with
// daily rotation and 7-day retention.
type MonitorLog struct {
	mu       sync.Mutex
	ring     *ringWriter
	logger   zerolog.Logger
	farmRoot string
	nodeID   string
	fileDate string
	fileLog  *os.File
}

// NewMonitorLog creates a standalone MonitorLog with no file logging
// armed; tests can construct isolated instances instead of relying on
// a package-level singleton.
func NewMonitorLog() *MonitorLog {
	r := &ringWriter{}
	m := &MonitorLog{ring: r}
	m.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	return m
}

// ArmFileLogging enables duplication of every future log line to a
// daily rotated file under farmRoot/nodes/{nodeID}/.
func (m *MonitorLog) ArmFileLogging(farmRoot, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.farmRoot = farmRoot
	m.nodeID = nodeID
}

// Log appends an entry to the ring buffer and, if armed, the day's
// log file. Category is a short component tag ("heartbeat",
// "dispatch", ...).
func (m *MonitorLog) Log(level LogLevel, category, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	e := LogEntry{
		TimestampMs: time.Now().UnixMilli(),
		Level:       level,
		Category:    category,
		Message:     msg,
	}
	m.ring.record(e)
	ev := m.logger.WithLevel(level.zerolog()).Str("category", category)
	ev.Msg(msg)
	m.writeFileLocked(e)
}

func (m *MonitorLog) Info(category, format string, args ...interface{})  { m.Log(LogInfo, category, format, args...) }
func (m *MonitorLog) Warn(category, format string, args ...interface{})  { m.Log(LogWarn, category, format, args...) }
func (m *MonitorLog) Error(category, format string, args ...interface{}) { m.Log(LogError, category, format, args...) }

func (m *MonitorLog) writeFileLocked(e LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.farmRoot == "" || m.nodeID == "" {
		return
	}
	day := time.UnixMilli(e.TimestampMs).Format("2006-01-02")
	if day != m.fileDate {
		if m.fileLog != nil {
			m.fileLog.Close()
			m.fileLog = nil
		}
		path := filepath.Join(m.farmRoot, "nodes", m.nodeID, fmt.Sprintf("monitor-%s.log", day))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		m.fileLog = f
		m.fileDate = day
		m.pruneOldLocked()
	}
	if m.fileLog == nil {
		return
	}
	line := fmt.Sprintf("%s [%s] %s: %s\n",
		time.UnixMilli(e.TimestampMs).Format(time.RFC3339), e.Level, e.Category, e.Message)
	m.fileLog.WriteString(line)
}

// pruneOldLocked deletes monitor-*.log files older than 7 days for
// this node. Called on local-date rollover, under m.mu.
func (m *MonitorLog) pruneOldLocked() {
	dir := filepath.Join(m.farmRoot, "nodes", m.nodeID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -7)
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "monitor-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "monitor-"), ".log")
		t, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

// Snapshot returns an owned copy of the ring buffer, oldest first.
func (m *MonitorLog) Snapshot() []LogEntry {
	return m.ring.snapshot()
}

// ReadRemoteLog is a static helper that best-effort reads another
// node's log files (today and yesterday) for remote troubleshooting.
// Parse failures and missing files are silent; it never returns an
// error to the caller, matching the read-never-throws contract of
// SafeReadJSON.
func ReadRemoteLog(farmRoot, nodeID string, maxLines int) []string {
	var lines []string
	days := []string{
		time.Now().Format("2006-01-02"),
		time.Now().AddDate(0, 0, -1).Format("2006-01-02"),
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	for _, day := range days {
		path := filepath.Join(farmRoot, "nodes", nodeID, fmt.Sprintf("monitor-%s.log", day))
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines = append(lines, sc.Text())
			if len(lines) >= maxLines {
				break
			}
		}
		f.Close()
		if len(lines) >= maxLines {
			break
		}
	}
	return lines
}
