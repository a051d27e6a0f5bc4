// Package logging provides the component-tagged debug logger shared by the
// label pipeline. Every message goes to the console as
//
//	[15:04:05.000][COMPONENT] message
//
// and, when debug mode is enabled, is also appended to a per-video log file
// under the debug directory.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// DefaultDebugDir is where per-video debug logs are written.
const DefaultDebugDir = "/tmp/skymotion-debug"

// DebugLogger fans component-tagged messages out to the console and to
// per-video log files.
type DebugLogger struct {
	enabled bool
	verbose bool
	baseDir string

	console zapcore.Core

	mu         sync.Mutex
	videoFiles map[string]*os.File
	videoCores map[string]zapcore.Core
	counts     map[string]map[string]int // video -> component -> messages
	started    map[string]time.Time
}

// NewDebugLogger creates a logger writing to stdout. With enabled set, the
// debug directory is created and per-video files are opened on demand.
func NewDebugLogger(enabled, verbose bool, baseDir string) *DebugLogger {
	if baseDir == "" {
		baseDir = DefaultDebugDir
	}
	if enabled {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			fmt.Printf("[DEBUG_LOGGER] Failed to create debug directory: %v\n", err)
			enabled = false
		}
	}
	return newDebugLogger(enabled, verbose, baseDir, zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stdout), zapcore.DebugLevel))
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *DebugLogger {
	return newDebugLogger(false, true, "", zapcore.NewNopCore())
}

func newDebugLogger(enabled, verbose bool, baseDir string, console zapcore.Core) *DebugLogger {
	return &DebugLogger{
		enabled:    enabled,
		verbose:    verbose,
		baseDir:    baseDir,
		console:    console,
		videoFiles: make(map[string]*os.File),
		videoCores: make(map[string]zapcore.Core),
		counts:     make(map[string]map[string]int),
		started:    make(map[string]time.Time),
	}
}

func newEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:    "ts",
		MessageKey: "msg",
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + t.Format("15:04:05.000") + "]")
		},
		ConsoleSeparator: "",
		LineEnding:       zapcore.DefaultLineEnding,
	})
}

// Debugf logs a message for component.
func (dl *DebugLogger) Debugf(component, format string, args ...interface{}) {
	dl.log("", component, fmt.Sprintf(format, args...))
}

// Verbosef logs only when verbose output was requested.
func (dl *DebugLogger) Verbosef(component, format string, args ...interface{}) {
	if !dl.verbose {
		return
	}
	dl.Debugf(component, format, args...)
}

// ForVideo returns a logger whose messages are additionally recorded in the
// log file of the given video.
func (dl *DebugLogger) ForVideo(video string) *VideoLogger {
	return &VideoLogger{parent: dl, video: video}
}

func (dl *DebugLogger) log(video, component, message string) {
	line := fmt.Sprintf("[%s] %s", component, message)
	now := time.Now()
	entry := zapcore.Entry{Level: zapcore.DebugLevel, Time: now, Message: line}

	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.console != nil {
		_ = dl.console.Write(entry, nil)
	}
	if !dl.enabled || video == "" {
		return
	}
	core := dl.videoCore(video)
	if core == nil {
		return
	}
	_ = core.Write(entry, nil)

	if dl.counts[video] == nil {
		dl.counts[video] = make(map[string]int)
		dl.started[video] = now
	}
	dl.counts[video][component]++
}

// videoCore creates or retrieves the file core of a video. Callers hold mu.
func (dl *DebugLogger) videoCore(video string) zapcore.Core {
	if core, ok := dl.videoCores[video]; ok {
		return core
	}

	path := filepath.Join(dl.baseDir, video+".txt")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Printf("[DEBUG_LOGGER] Failed to open video log %s: %v\n", path, err)
		return nil
	}

	if info, err := file.Stat(); err == nil && info.Size() == 0 {
		fmt.Fprintf(file, "=== SKYMOTION DEBUG LOG: %s ===\n", video)
		fmt.Fprintf(file, "Started: %s\n", time.Now().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(file, "========================================\n\n")
	}

	core := zapcore.NewCore(newEncoder(), zapcore.AddSync(file), zapcore.DebugLevel)
	dl.videoFiles[video] = file
	dl.videoCores[video] = core
	return core
}

// WriteSummary appends a per-component message breakdown and the given
// outcome counts to the video's log file and releases the file.
func (dl *DebugLogger) WriteSummary(video string, outcomes map[string]int) error {
	if !dl.enabled {
		return nil
	}

	dl.mu.Lock()
	defer dl.mu.Unlock()

	file, ok := dl.videoFiles[video]
	if !ok {
		return nil
	}

	fmt.Fprintf(file, "\n=== SUMMARY ===\n")
	if start, ok := dl.started[video]; ok {
		fmt.Fprintf(file, "Duration: %.1f seconds\n", time.Since(start).Seconds())
	}
	fmt.Fprintf(file, "\n--- messages by component ---\n")
	for _, kv := range sortedCounts(dl.counts[video]) {
		fmt.Fprintf(file, "%-20s: %d\n", kv.key, kv.count)
	}
	fmt.Fprintf(file, "\n--- outcomes ---\n")
	for _, kv := range sortedCounts(outcomes) {
		fmt.Fprintf(file, "%-20s: %d\n", kv.key, kv.count)
	}

	err := file.Close()
	delete(dl.videoFiles, video)
	delete(dl.videoCores, video)
	delete(dl.counts, video)
	delete(dl.started, video)
	return errors.Wrapf(err, "closing debug log for %s", video)
}

// Close flushes the console and closes all open video files.
func (dl *DebugLogger) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	var firstErr error
	for video, file := range dl.videoFiles {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing debug log for %s", video)
		}
	}
	dl.videoFiles = make(map[string]*os.File)
	dl.videoCores = make(map[string]zapcore.Core)
	if dl.console != nil {
		_ = dl.console.Sync()
	}
	return firstErr
}

type keyCount struct {
	key   string
	count int
}

func sortedCounts(m map[string]int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, v := range m {
		out = append(out, keyCount{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].key < out[j].key
	})
	return out
}

// VideoLogger is a DebugLogger scoped to one video.
type VideoLogger struct {
	parent *DebugLogger
	video  string
}

// Debugf logs a message for component and records it in the video's file.
func (vl *VideoLogger) Debugf(component, format string, args ...interface{}) {
	vl.parent.log(vl.video, component, fmt.Sprintf("(%s) %s", vl.video, fmt.Sprintf(format, args...)))
}

// Verbosef logs only when verbose output was requested.
func (vl *VideoLogger) Verbosef(component, format string, args ...interface{}) {
	if !vl.parent.verbose {
		return
	}
	vl.Debugf(component, format, args...)
}

// Video returns the video this logger is scoped to.
func (vl *VideoLogger) Video() string {
	return vl.video
}
