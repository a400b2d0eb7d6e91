// Package logbook writes the dated fail lists that record which
// subject/session pairs did not make it through a pipeline invocation.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/neuropipe/internal/cohort"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// StampLayout formats the invocation time embedded in fail list names.
const StampLayout = "2006-01-02-15-04-05"

// Logbook appends entries to a single text file. The file is only created on
// the first write so clean runs leave nothing behind.
type Logbook struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

// NewFailList creates the fail list for one invocation of a step (or of the
// whole pipeline): <dir>/fail_list_<name>_<YYYY-mm-dd-HH-MM-SS>.txt.
func NewFailList(dir, name string, started time.Time) (*Logbook, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "pipeline"
	}
	file := fmt.Sprintf("fail_list_%s_%s.txt", name, started.Format(StampLayout))
	return New(filepath.Join(dir, file))
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record writes a failing pair in the two-line fail list format:
// "<subject> <session> \n<error> \n".
func (l *Logbook) Record(pair cohort.Pair, err error) {
	if l == nil || err == nil {
		return
	}
	l.write(fmt.Sprintf("%s %s \n%s \n", pair.Subject, pair.Session, err.Error()))
}

// Append writes a single timestamped entry.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.write(fmt.Sprintf("%s %-5s %s\n",
		l.now().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	))
}

func (l *Logbook) write(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(text)
}

// Tail returns up to maxLines of the most recent lines plus the total line count.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
