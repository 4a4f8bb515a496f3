package log

import (
	"os"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is a shared go-kit logger. Components should prefer a logger
// passed through their constructors; the global exists for the few
// places that run before wiring is complete.
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global gokit logger and returns that logger.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// use UTC timestamps and skip 5 stack frames.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// Must put the level filter last for efficiency.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}

// Debouncer suppresses repeats of high-frequency warnings. Telemetry
// streams repeat the same malformed metric many times a second; logging
// each occurrence would drown everything else, so each distinct key is
// logged at most once per interval.
type Debouncer struct {
	logger   kitlog.Logger
	interval time.Duration

	mtx  sync.Mutex
	seen map[string]time.Time
}

func NewDebouncer(logger kitlog.Logger, interval time.Duration) *Debouncer {
	return &Debouncer{
		logger:   logger,
		interval: interval,
		seen:     make(map[string]time.Time),
	}
}

// Warn logs msg and the given keyvals at warn level unless the same msg
// fired within the debounce interval.
func (d *Debouncer) Warn(msg string, keyvals ...interface{}) {
	now := time.Now()

	d.mtx.Lock()
	last, ok := d.seen[msg]
	if ok && now.Sub(last) < d.interval {
		d.mtx.Unlock()
		return
	}
	d.seen[msg] = now
	d.mtx.Unlock()

	level.Warn(d.logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}
