// Package mlog provides logging with log levels and fields.
//
// Each log level has a function to log with and without error. Each such
// function takes a varargs list of slog attributes to log. Variable data should
// be in attributes. Logging strings themselves should be constant, for easier log
// processing.
//
// The log levels can be configured per originating package, e.g. mboxmgr,
// itemstate. The configuration is application-global, so each Log instance uses
// the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt-formatted output, instead of the default human-friendlier format.
var Logfmt bool

// LogStringer is used when logging a value that needs custom formatting.
type LogStringer interface {
	LogString() string
}

var lowestLevel atomic.Int32 // For quick check whether we need to log at all.

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log level.
// The empty string is the default/fallback log level.
var config atomic.Value

// Levels, beyond the slog defaults.
const (
	LevelPrint = slog.Level(12)
	LevelFatal = slog.Level(10)
	LevelError = slog.LevelError
	LevelInfo  = slog.LevelInfo
	LevelDebug = slog.LevelDebug
	LevelTrace = slog.Level(-8)
)

// LevelStrings maps a level to its configuration string.
var LevelStrings = map[slog.Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

// Levels maps a configuration string to its level.
var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	lowest := LevelPrint
	for _, l := range c {
		if l < lowest {
			lowest = l
		}
	}
	lowestLevel.Store(int32(lowest))
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps an slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a custom handler.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds a attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Context are often passed to
// functions, especially between packages, to pass a "cid" for an operation. At
// the start of a function (especially if exported) a variable "log" is often
// instantiated from a package-level logger, with WithContext for its cid.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler is
// an mlog handler, pkg is only added if not already the last added package.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		if len(ph.Pkgs) > 0 && ph.Pkgs[len(ph.Pkgs)-1] == pkg {
			return l
		}
		return Log{slog.New(ph.WithPkg(pkg))}
	}
	return Log{slog.New(h.WithAttrs([]slog.Attr{slog.String("pkg", pkg)}))}
}

// WithFunc sets fn to be called for additional attributes. Fn is only called
// when the line is logged.
// If the underlying handler is not an mlog.handler, this method has no effect.
// Caller must take care of preventing data races.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	h := l.Logger.Handler()
	if ph, ok := h.(*handler); ok {
		return Log{slog.New(ph.WithFunc(fn))}
	}
	// Ignored for other handlers, only used internally.
	return l
}

// Check logs an error if err is not nil. Intended for logging errors that are good
// to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelFatal, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
	os.Exit(1)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelTrace, msg, attrs...)
}

// Enabled returns whether logging at level would be done for this logger.
func (l Log) Enabled(level slog.Level) bool {
	return l.Logger.Enabled(noctx, level)
}

type handler struct {
	Pkgs  []string
	Attrs []slog.Attr
	Group string
	Fn    func() []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

var writeMutex sync.Mutex

// Output is where log lines are written. Tests can replace it.
var Output io.Writer = os.Stderr

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.Level(lowestLevel.Load()) || level == LevelPrint || level == LevelFatal
}

func (h *handler) match(level slog.Level) bool {
	if level == LevelPrint || level == LevelFatal {
		return true
	}

	cl := config.Load().(map[string]slog.Level)
	seen := false
	for i := len(h.Pkgs) - 1; i >= 0; i-- {
		if v, ok := cl[h.Pkgs[i]]; ok {
			if level >= v {
				return true
			}
			seen = true
		}
	}
	if seen {
		return false
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.match(r.Level) {
		return nil
	}

	var attrs []slog.Attr
	if len(h.Pkgs) > 0 {
		attrs = append(attrs, slog.String("pkg", h.Pkgs[len(h.Pkgs)-1]))
	}
	attrs = append(attrs, h.Attrs...)
	if h.Fn != nil {
		attrs = append(attrs, h.Fn()...)
	}
	r.Attrs(func(a slog.Attr) bool {
		if h.Group != "" {
			a.Key = h.Group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})

	// We build up a buffer so we can do a single atomic write of the data. Otherwise
	// partial log lines may interleaf.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", LevelStrings[r.Level], logfmtValue(r.Message))
		for _, a := range attrs {
			v := stringValue(a.Key == "cid", false, a.Value.Any())
			if a.Key == "err" && v == "" {
				continue
			}
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(v))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", LevelStrings[r.Level], logfmtValue(r.Message))
		first := true
		for _, a := range attrs {
			v := stringValue(a.Key == "cid", false, a.Value.Any())
			if a.Key == "err" {
				if v != "" {
					fmt.Fprintf(b, ": %s", logfmtValue(v))
				}
				continue
			}
			if first {
				b.WriteString(" (")
				first = false
			} else {
				b.WriteString("; ")
			}
			fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(v))
		}
		if !first {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := Output.Write(b.Bytes())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	if h.Group != "" {
		l := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			a.Key = h.Group + "." + a.Key
			l[i] = a
		}
		attrs = l
	}
	nh.Attrs = append(append([]slog.Attr{}, h.Attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.Group != "" {
		name = nh.Group + "." + name
	}
	nh.Group = name
	return &nh
}

func (h *handler) WithPkg(pkg string) *handler {
	nh := *h
	nh.Pkgs = append(append([]string{}, h.Pkgs...), pkg)
	return &nh
}

func (h *handler) WithFunc(fn func() []slog.Attr) *handler {
	nh := *h
	nh.Fn = fn
	return &nh
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid, nested bool, v any) string {
	// Handle some common types first.
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", v)
		}
		return strconv.FormatInt(r, 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		if nested && len(r) == 0 {
			// Drop field from logging.
			return ""
		}
		return "[" + strings.Join(r, ",") + "]"
	case error:
		return r.Error()
	case time.Time:
		return r.Format(time.RFC3339)
	case time.Duration:
		return r.String()
	case LogStringer:
		return r.LogString()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}

	if r, ok := v.(fmt.Stringer); ok {
		return r.String()
	}

	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
		return stringValue(iscid, nested, rv.Interface())
	}
	if rv.Kind() == reflect.Slice {
		n := rv.Len()
		if nested && n == 0 {
			// Drop field.
			return ""
		}
		b := &strings.Builder{}
		b.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(stringValue(false, true, rv.Index(i).Interface()))
		}
		b.WriteString("]")
		return b.String()
	} else if rv.Kind() != reflect.Struct {
		return fmt.Sprintf("%v", v)
	}
	n := rv.NumField()
	t := rv.Type()
	b := &strings.Builder{}
	first := true
	for i := 0; i < n; i++ {
		fv := rv.Field(i)
		if !t.Field(i).IsExported() {
			continue
		}
		if fv.Kind() == reflect.Struct || fv.Kind() == reflect.Ptr || fv.Kind() == reflect.Interface {
			// Don't recurse.
			continue
		}
		vs := stringValue(false, true, fv.Interface())
		if vs == "" {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		k := strings.ToLower(t.Field(i).Name)
		b.WriteString(k + "=" + logfmtValue(vs))
	}
	return b.String()
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := fmt.Errorf("%s", strings.TrimSpace(string(buf)))
	w.log.LogAttrs(noctx, w.level, w.msg, errAttr(err))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
