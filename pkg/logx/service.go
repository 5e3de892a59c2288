package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./cadence.log"
)

var stdout io.Writer = os.Stdout

type Config struct {
	Level   string
	Console bool
	// JSON writes console output as JSON lines (journald).
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks behind every Logger it hands out and swaps them on
// Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New creates the logging service with cfg applied and returns its root
// Logger. A file sink that cannot be opened is reported on the returned
// logger and skipped.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file disabled", Err(err))
	}
	return s, log
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks from cfg. The new root is installed even when the
// file sink fails; the error says why it is missing.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sinks   []io.Writer
		fileErr error
	)
	if cfg.Console {
		if cfg.JSON {
			sinks = append(sinks, stdout)
		} else {
			sinks = append(sinks, consoleWriter(stdout))
		}
	}
	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fileErr = err
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(stdout))
	}

	zl := newRoot(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.root.Store(&zl)
	if prev != nil {
		_ = prev.Close()
	}
	return fileErr
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
	})
}

func newRoot(w io.Writer, level string) zerolog.Logger {
	lv, ok := parseLevel(level)
	if !ok {
		lv = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lv).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: consoleTimeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// parseLevel accepts zerolog's level names plus "warning". Empty means info.
func parseLevel(s string) (zerolog.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel, true
	case "warning":
		s = "warn"
	}
	lv, err := zerolog.ParseLevel(s)
	if err != nil || lv == zerolog.NoLevel {
		return zerolog.NoLevel, false
	}
	return lv, true
}

// ValidLevel reports whether s names a known level (empty means default).
func ValidLevel(s string) bool {
	_, ok := parseLevel(s)
	return ok
}
