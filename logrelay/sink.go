package logrelay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
)

// SessionLogName is the file the sink writes inside the user directory.
const SessionLogName = "session.log"

// Sink drains the logging topic family and fans each record out twice: to
// the supervisor's own console logger and to a per-session log file. The
// file format carries the timestamp; the console format does not, since the
// console handler adds its own.
type Sink struct {
	client  *bus.Client
	console *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// NewSink opens (or appends to) the session log file under userDir and
// returns a sink ready to run.
func NewSink(client *bus.Client, console *slog.Logger, userDir string) (*Sink, error) {
	path := filepath.Join(userDir, SessionLogName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "Sink", "NewSink", "open session log")
	}
	return &Sink{client: client, console: console, file: file}, nil
}

// Run consumes log records until ctx is cancelled, then closes the file.
func (s *Sink) Run(ctx context.Context) error {
	sub, err := s.client.SubscribePrefix(envelope.PrefixLogging)
	if err != nil {
		return errors.Wrap(err, "Sink", "Run", "subscribe logging topics")
	}
	defer sub.Unsubscribe()
	defer s.Close()

	for {
		msg, ok := sub.NextCtx(ctx)
		if !ok {
			return nil
		}
		s.write(msg.Note)
	}
}

func (s *Sink) write(n *envelope.Notification) {
	level := n.String("level")
	process := n.String("process")
	text := n.String("msg")

	s.console.Log(context.Background(), parseLevel(level), text,
		"process", process)

	created := time.Now()
	if ts, ok := n.Payload["created"].(float64); ok && ts > 0 {
		created = time.Unix(0, int64(ts*1e9))
	}
	line := fmt.Sprintf("%s - %s - [%s] %s\n",
		created.Format("2006-01-02 15:04:05.000"), process, level, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(line); err != nil {
		s.console.Warn("Failed to write session log", "error", err)
	}
}

// Close flushes and closes the session log file. Safe to call twice.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	_ = s.file.Sync()
	_ = s.file.Close()
	s.file = nil
}
