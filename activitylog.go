package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Activity log defaults.
const (
	DefaultLogFile    = "proxy.log"
	DefaultLogMaxSize = 10 << 20
	DefaultLogBackups = 3
)

// ActivityLogger is the process-wide event sink. Each event is one line
// of the form "2006-01-02 15:04:05 [LEVEL] message". It exposes an
// *slog.Logger so the engine and admin API write to the same file.
type ActivityLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	file   *RotatingFile
}

// ActivityLogConfig configures OpenActivityLog.
type ActivityLogConfig struct {
	// Path of the active log file. Defaults to DefaultLogFile.
	Path string

	// MaxSize is the rotation threshold in bytes. Defaults to
	// DefaultLogMaxSize.
	MaxSize int64

	// Backups is the number of rotated files to keep. Negative means
	// DefaultLogBackups; zero truncates the active file on rotation.
	Backups int

	// Level is the minimum level written.
	Level slog.Level
}

// OpenActivityLog opens (or creates) the rotating log file and returns a
// logger writing to it. Close it at shutdown.
func OpenActivityLog(cfg ActivityLogConfig) (*ActivityLogger, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultLogFile
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultLogMaxSize
	}
	if cfg.Backups < 0 {
		cfg.Backups = DefaultLogBackups
	}

	rf, err := OpenRotatingFile(cfg.Path, cfg.MaxSize, cfg.Backups)
	if err != nil {
		return nil, err
	}
	al := NewActivityLogger(rf, cfg.Level)
	al.file = rf
	return al, nil
}

// NewActivityLogger returns an ActivityLogger writing lines to w. Each
// line is passed to w in a single Write call.
func NewActivityLogger(w io.Writer, level slog.Level) *ActivityLogger {
	lv := new(slog.LevelVar)
	lv.Set(level)
	return &ActivityLogger{
		logger: slog.New(newLineHandler(w, lv)),
		level:  lv,
	}
}

// Logger returns the underlying structured logger.
func (al *ActivityLogger) Logger() *slog.Logger {
	return al.logger
}

// SetLevel changes the minimum level at runtime.
func (al *ActivityLogger) SetLevel(level slog.Level) {
	al.level.Set(level)
}

// File returns the rotating file, or nil when the logger was built over
// an arbitrary writer.
func (al *ActivityLogger) File() *RotatingFile {
	return al.file
}

// LogRequest records an outbound request. Headers are dumped only at
// debug level.
func (al *ActivityLogger) LogRequest(method, url string, header http.Header) {
	al.logger.Info(fmt.Sprintf("REQ → %s %s", method, url))
	al.logHeaders(header)
}

// LogResponse records a response received from upstream.
func (al *ActivityLogger) LogResponse(status int, url string, header http.Header) {
	al.logger.Info(fmt.Sprintf("RES ← %d %s", status, url))
	al.logHeaders(header)
}

func (al *ActivityLogger) logHeaders(header http.Header) {
	if len(header) == 0 || !al.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	b, err := json.Marshal(header)
	if err != nil {
		return
	}
	al.logger.Debug("Headers: " + string(b))
}

// LogWarning records a warning-level event.
func (al *ActivityLogger) LogWarning(msg string, args ...any) {
	al.logger.Warn(msg, args...)
}

// LogError records an error-level event.
func (al *ActivityLogger) LogError(msg string, args ...any) {
	al.logger.Error(msg, args...)
}

// Close flushes and closes the log file.
func (al *ActivityLogger) Close() error {
	if al.file == nil {
		return nil
	}
	if err := al.file.Sync(); err != nil {
		al.file.Close()
		return err
	}
	return al.file.Close()
}

// lineHandler is a slog.Handler producing "<ts> [LEVEL] msg key=value"
// lines. Write errors are returned to slog, which discards them; the
// RotatingFile reports them through its OnError hook.
type lineHandler struct {
	out    io.Writer
	level  slog.Leveler
	attrs  []byte
	prefix string
}

func newLineHandler(w io.Writer, level slog.Leveler) *lineHandler {
	return &lineHandler{out: w, level: level}
}

func (h *lineHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}

	buf := make([]byte, 0, 96+len(r.Message)+len(h.attrs))
	buf = t.AppendFormat(buf, time.DateTime)
	buf = append(buf, " ["...)
	buf = append(buf, levelName(r.Level)...)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)
	buf = append(buf, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	_, err := h.out.Write(buf)
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		h2.attrs = appendAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}

	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if a.Key != "" {
			prefix = prefix + a.Key + "."
		}
		for _, ga := range group {
			buf = appendAttr(buf, prefix, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')

	var s string
	switch a.Value.Kind() {
	case slog.KindTime:
		s = a.Value.Time().Format(time.RFC3339)
	case slog.KindDuration:
		s = a.Value.Duration().String()
	default:
		s = a.Value.String()
	}
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}
