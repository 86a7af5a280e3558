package pipeline

import (
	"fmt"
	"io"
	"sync"

	"github.com/mlOS-foundation/system-test/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// fileHook writes every entry as JSON to a file, whatever the logger's own
// formatter is.
type fileHook struct {
	mu        sync.Mutex
	w         io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.w.Write(line)

	return err
}

// loggerOf returns the logger behind a FieldLogger, if any.
func loggerOf(log logrus.FieldLogger) *logrus.Logger {
	switch l := log.(type) {
	case *logrus.Logger:
		return l
	case *logrus.Entry:
		return l.Logger
	default:
		return nil
	}
}

// attachRunLog mirrors the log stream into path until the returned detach
// function is called. Detach is always safe to call.
func attachRunLog(log logrus.FieldLogger, path string, owner *fsutil.OwnerConfig) (func(), error) {
	logger := loggerOf(log)
	if logger == nil {
		return func() {}, fmt.Errorf("logger %T does not support hooks", log)
	}

	f, err := fsutil.Create(path, owner)
	if err != nil {
		return func() {}, fmt.Errorf("creating run log: %w", err)
	}

	hook := &fileHook{w: f, formatter: &logrus.JSONFormatter{}}

	hooks := make(logrus.LevelHooks, len(logrus.AllLevels))
	for level, hs := range logger.Hooks {
		hooks[level] = append([]logrus.Hook(nil), hs...)
	}

	hooks.Add(hook)

	previous := logger.ReplaceHooks(hooks)

	return func() {
		logger.ReplaceHooks(previous)

		_ = f.Close()
	}, nil
}
