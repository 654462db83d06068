package logrouter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Category selects the append-only log a record belongs to.
type Category string

const (
	Git    Category = "git"
	Build  Category = "build"
	Run    Category = "run"
	Status Category = "status"
	Error  Category = "error"
	Main   Category = "main"
)

// Categories lists every category in a stable order.
var Categories = []Category{Git, Build, Run, Status, Error, Main}

// Default rotation parameters, same semantics as lumberjack.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

const timeLayout = "2006-01-02 15:04:05"

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Record is one tagged line of text.
// Benign marks [Info]-classified lines produced by the external project;
// they never reach the error log.
type Record struct {
	Category Category
	Source   string
	Time     time.Time
	Level    Level
	Benign   bool
	Payload  string
}

// Config describes where logs live. Empty file names fall back to
// "<category>.log"; Combined defaults to "logs.log".
type Config struct {
	Dir        string
	Files      map[Category]string
	Combined   string
	PerSource  bool // additionally write <source>.log for run output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Router demultiplexes records into category files, the combined log and
// the error log. It is safe for concurrent use.
type Router struct {
	cfg     Config
	mu      sync.Mutex
	writers map[string]io.WriteCloser
	closed  bool
}

func New(cfg Config) (*Router, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Router{cfg: cfg, writers: make(map[string]io.WriteCloser)}, nil
}

// Locate returns the directory holding all logs.
func (r *Router) Locate() string {
	abs, err := filepath.Abs(r.cfg.Dir)
	if err != nil {
		return r.cfg.Dir
	}
	return abs
}

// Path returns the file backing a category.
func (r *Router) Path(c Category) string {
	name := r.cfg.Files[c]
	if name == "" {
		name = string(c) + ".log"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.cfg.Dir, name)
}

// CombinedPath returns the unified log file.
func (r *Router) CombinedPath() string {
	name := r.cfg.Combined
	if name == "" {
		name = "logs.log"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.cfg.Dir, name)
}

// SourcePath returns the per-source file used when PerSource is enabled.
func (r *Router) SourcePath(source string) string {
	return filepath.Join(r.cfg.Dir, sanitize(source)+".log")
}

// Route appends rec to its category log and the combined log, and to the
// error log unless the record is benign or plain info.
func (r *Router) Route(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	if rec.Category == "" {
		rec.Category = Main
	}
	line := Format(rec)

	targets := []string{r.Path(rec.Category), r.CombinedPath()}
	if !rec.Benign && rec.Level > LevelInfo && rec.Category != Error {
		targets = append(targets, r.Path(Error))
	}
	if r.cfg.PerSource && rec.Category == Run && rec.Source != "" {
		targets = append(targets, r.SourcePath(rec.Source))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("log router closed")
	}
	var firstErr error
	for _, p := range targets {
		w := r.writerLocked(p)
		if _, err := io.WriteString(w, line); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write %s: %w", p, err)
		}
	}
	return firstErr
}

// Format renders a record as one log line including the trailing newline.
func Format(rec Record) string {
	tag := "[" + rec.Level.String() + "]"
	if rec.Benign {
		tag = "[Info]"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(rec.Time.Format(timeLayout))
	b.WriteString("] ")
	b.WriteString(tag)
	if rec.Source != "" {
		b.WriteString(" [")
		b.WriteString(rec.Source)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(strings.TrimRight(rec.Payload, "\r\n"))
	b.WriteString("\n")
	return b.String()
}

// Tagger decides the level and benign flag for a raw subprocess line.
type Tagger func(line string) (Level, bool)

// Writer returns a line consumer routing every line to category c tagged
// with source. A nil tagger treats lines as plain info.
func (r *Router) Writer(c Category, source string, tag Tagger) func(string) {
	return func(line string) {
		lvl, benign := LevelInfo, false
		if tag != nil {
			lvl, benign = tag(line)
		}
		_ = r.Route(Record{Category: c, Source: source, Level: lvl, Benign: benign, Payload: line})
	}
}

func (r *Router) writerLocked(path string) io.WriteCloser {
	if w, ok := r.writers[path]; ok {
		return w
	}
	w := &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(r.cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(r.cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(r.cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   r.cfg.Compress,
	}
	r.writers[path] = w
	return w
}

// Close flushes and closes every open file. Further Route calls fail.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for p, w := range r.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.writers, p)
	}
	return firstErr
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
