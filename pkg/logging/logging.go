package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation controls the rotating log file.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 20
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 5
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 7
	}
	return r
}

// Setup configures the standard logger to write to stdout and to a rotating
// file at <dir>/<app>.log. An empty dir means "logs" next to the executable.
// The returned closer releases the log file.
func Setup(app, dir string, rot Rotation) io.Closer {
	if dir == "" {
		exe, _ := os.Executable()
		dir = filepath.Join(filepath.Dir(exe), "logs")
	}
	_ = os.MkdirAll(dir, 0o755)
	rot = rot.withDefaults()
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, app+".log"),
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
	return w
}

// Debug reports whether SST_DEBUG enables verbose diagnostics.
func Debug() bool {
	v := strings.ToLower(os.Getenv("SST_DEBUG"))
	return v == "1" || v == "true" || v == "yes"
}
