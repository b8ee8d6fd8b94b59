// Package buildlog holds the output of builds, both while they're running and after
// they have finished.
package buildlog

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("buildlog")

// ErrorPrefix marks lines in a build log that report a failure to the user.
const ErrorPrefix = "LBSERROR: "

// A Log accumulates the output of a single build.
// It is safe for concurrent use; the scheduler reads it while the build writes to it.
type Log struct {
	mutex      sync.Mutex
	buf        bytes.Buffer
	lastUpdate time.Time
	hasError   bool
	finished   bool
}

// New returns a new, empty Log.
func New() *Log {
	return &Log{lastUpdate: time.Now()}
}

// Write implements the io.Writer interface, so command output can be streamed into the log.
func (l *Log) Write(b []byte) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.lastUpdate = time.Now()
	return l.buf.Write(b)
}

// Print appends a line to the log.
func (l *Log) Print(format string, args ...interface{}) {
	l.line(fmt.Sprintf(format, args...))
}

// Error appends a line to the log that reports a failure to the user.
func (l *Log) Error(format string, args ...interface{}) {
	l.mutex.Lock()
	l.hasError = true
	l.mutex.Unlock()
	l.line(ErrorPrefix + fmt.Sprintf(format, args...))
}

func (l *Log) line(s string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.buf.Len() > 0 && !bytes.HasSuffix(l.buf.Bytes(), []byte{'\n'}) {
		l.buf.WriteByte('\n')
	}
	l.buf.WriteString(s)
	l.buf.WriteByte('\n')
	l.lastUpdate = time.Now()
}

// LastUpdate returns the time that the log was last written to.
func (l *Log) LastUpdate() time.Time {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lastUpdate
}

// HasError returns true if any failure has been reported in this log.
func (l *Log) HasError() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.hasError
}

// Finish marks this log as complete. Nothing more is expected to be written to it.
func (l *Log) Finish() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.finished = true
}

// Finished returns true if Finish has been called.
func (l *Log) Finished() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.finished
}

// String returns the entire contents of the log.
func (l *Log) String() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.buf.String()
}

// Tail returns at most the last n bytes of the log. It is cut at a line boundary where possible.
func (l *Log) Tail(n int) string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	b := l.buf.Bytes()
	if n <= 0 || len(b) <= n {
		return string(b)
	}
	b = b[len(b)-n:]
	if idx := bytes.IndexByte(b, '\n'); idx >= 0 && idx < len(b)-1 {
		b = b[idx+1:]
	}
	return string(b)
}

// ErrorLines returns all the failure lines in a log's contents.
func ErrorLines(contents string) []string {
	var lines []string
	for _, line := range strings.Split(contents, "\n") {
		if strings.HasPrefix(line, ErrorPrefix) {
			lines = append(lines, line)
		}
	}
	return lines
}
