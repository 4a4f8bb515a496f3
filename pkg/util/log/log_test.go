package log

import (
	"sync"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingLogger struct {
	mtx   sync.Mutex
	lines [][]interface{}
}

var _ kitlog.Logger = (*capturingLogger)(nil)

func (c *capturingLogger) Log(keyvals ...interface{}) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lines = append(c.lines, keyvals)
	return nil
}

func (c *capturingLogger) count() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.lines)
}

func (c *capturingLogger) line(i int) []interface{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lines[i]
}

func TestDebouncerSuppressesRepeats(t *testing.T) {
	captured := &capturingLogger{}
	d := NewDebouncer(captured, time.Hour)

	d.Warn("broker unreachable", "attempt", 1)
	d.Warn("broker unreachable", "attempt", 2)
	d.Warn("broker unreachable", "attempt", 3)

	require.Equal(t, 1, captured.count())
	assert.Contains(t, captured.line(0), "broker unreachable")
	assert.Contains(t, captured.line(0), "attempt")
}

func TestDebouncerKeysByMessage(t *testing.T) {
	captured := &capturingLogger{}
	d := NewDebouncer(captured, time.Hour)

	d.Warn("unparseable topic", "topic", "a")
	d.Warn("no machine for line code", "line_code", "b")
	d.Warn("unparseable topic", "topic", "c")

	assert.Equal(t, 2, captured.count())
}

func TestDebouncerFiresAgainAfterInterval(t *testing.T) {
	captured := &capturingLogger{}
	d := NewDebouncer(captured, time.Millisecond)

	d.Warn("slow upstream")
	time.Sleep(5 * time.Millisecond)
	d.Warn("slow upstream")

	assert.Equal(t, 2, captured.count())
}
