package proxypass

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const packetLogName = "packets.log"

// SessionLogger buffers one session's packet log and writes it out when the
// flusher ticks. Buffer access is guarded by mu; a failed flush keeps the
// buffer for the next tick.
type SessionLogger struct {
	dir       string
	toFile    bool
	toConsole bool
	console   *logrus.Entry
	now       func() time.Time

	mu    sync.Mutex
	lines []string

	// flushMu serializes flushes; the write itself runs without mu.
	flushMu sync.Mutex
	failed  bool
	write   func(lines []string) error
}

func newSessionLogger(dir string, logTo LogTo, console *logrus.Entry) *SessionLogger {
	l := &SessionLogger{
		dir:       dir,
		toFile:    logTo.toFile(),
		toConsole: logTo.toConsole(),
		console:   console,
		now:       time.Now,
	}
	l.write = l.appendLines
	return l
}

// sessionDirName names a session directory after the player and the session
// start time.
func sessionDirName(displayName string, started time.Time) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, displayName)
	return fmt.Sprintf("%s-%d", name, started.UnixMilli())
}

// Dir is the session directory.
func (l *SessionLogger) Dir() string { return l.dir }

// Record appends one message to the log.
func (l *SessionLogger) Record(from Side, m Message) {
	line := fmt.Sprintf("[%s] [%s] - %s", l.now().Format("15:04:05.000"), from.direction(), formatMessage(m))
	if l.toConsole {
		l.console.Info(line)
	}
	if !l.toFile {
		return
	}
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func formatMessage(m Message) string {
	v := reflect.Indirect(reflect.ValueOf(m))
	return fmt.Sprintf("%s%+v", m.Kind(), v.Interface())
}

// Flush appends buffered lines to packets.log. On failure the lines stay
// buffered and the error is logged once until a flush succeeds again.
// Record never waits on the file write.
func (l *SessionLogger) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	lines := l.lines
	l.lines = nil
	l.mu.Unlock()
	if len(lines) == 0 {
		return nil
	}

	err := l.write(lines)
	if err != nil {
		l.mu.Lock()
		l.lines = append(lines, l.lines...)
		l.mu.Unlock()
		if !l.failed {
			l.console.WithError(err).Warn("Could not flush packet log, will retry")
		}
		l.failed = true
		return err
	}
	l.failed = false
	return nil
}

func (l *SessionLogger) appendLines(lines []string) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, packetLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveJSON writes raw, indented, to name inside the session directory.
// Failures are logged and otherwise ignored.
func (l *SessionLogger) SaveJSON(name string, raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	err := os.MkdirAll(l.dir, 0o755)
	if err == nil {
		err = os.WriteFile(filepath.Join(l.dir, name), buf.Bytes(), 0o644)
	}
	if err != nil {
		l.console.WithError(err).WithField("file", name).Warn("Could not save session data")
	}
}

// logFlusher flushes every registered session logger from a single
// background goroutine.
type logFlusher struct {
	mu       sync.Mutex
	loggers  map[*SessionLogger]struct{}
	interval time.Duration
	closed   bool
	closeCh  chan struct{}
	done     chan struct{}
}

func newLogFlusher(interval time.Duration) *logFlusher {
	f := &logFlusher{
		loggers:  make(map[*SessionLogger]struct{}),
		interval: interval,
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Background flush goroutine
	go f.flushLoop()

	return f
}

func (f *logFlusher) add(l *SessionLogger) {
	f.mu.Lock()
	f.loggers[l] = struct{}{}
	f.mu.Unlock()
}

// remove flushes l one last time and stops tracking it.
func (f *logFlusher) remove(l *SessionLogger) {
	f.mu.Lock()
	delete(f.loggers, l)
	f.mu.Unlock()
	l.Flush()
}

// flushLoop periodically flushes every logger.
func (f *logFlusher) flushLoop() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flush()
		case <-f.closeCh:
			f.flush()
			return
		}
	}
}

func (f *logFlusher) flush() {
	f.mu.Lock()
	loggers := make([]*SessionLogger, 0, len(f.loggers))
	for l := range f.loggers {
		loggers = append(loggers, l)
	}
	f.mu.Unlock()

	for _, l := range loggers {
		l.Flush()
	}
}

// close stops the flusher after a final flush.
func (f *logFlusher) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.closeCh)
	f.mu.Unlock()
	<-f.done
}
