package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultFilePath = "./jobhost.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	// Output receives console lines; nil means stdout.
	Output io.Writer
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the live sinks. Loggers from Logger or New follow every Apply.
type Service struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
	path string

	cur atomic.Pointer[zerolog.Logger]
}

// New starts a Service from cfg. A log file that cannot be opened is
// reported on stderr and logging continues on the console.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	fallback := newZerolog(consoleWriter(consoleOut(cfg)), levelOr(cfg.Level, LevelInfo))
	s.cur.Store(&fallback)
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply installs the sinks and level of cfg. When the file sink cannot be
// opened nothing changes and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		file *os.File
		path string
	)
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		if path == s.path && s.file != nil {
			file = s.file
		} else {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open log file %q: %w", path, err)
			}
			file = f
		}
	}

	s.out = consoleOut(cfg)
	var sinks []io.Writer
	if cfg.Console || file == nil {
		sinks = append(sinks, consoleWriter(s.out))
	}
	if file != nil {
		sinks = append(sinks, zerolog.SyncWriter(file))
	}
	zl := newZerolog(zerolog.MultiLevelWriter(sinks...), levelOr(cfg.Level, LevelInfo))
	s.cur.Store(&zl)

	var err error
	if s.file != nil && s.file != file {
		err = s.file.Close()
	}
	s.file, s.path = file, path
	return err
}

// Close releases the log file. Later lines go to the console.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	fallback := newZerolog(consoleWriter(s.out), s.current().GetLevel())
	s.cur.Store(&fallback)
	err := s.file.Close()
	s.file, s.path = nil, ""
	return err
}

func consoleOut(cfg Config) io.Writer {
	if cfg.Output != nil {
		return cfg.Output
	}
	return os.Stdout
}
