package track

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nnesterov/vrrpd/internal/loop"
)

// ProcessCondition polls /proc for a process matching Name, either
// against /proc/*/comm (the short, truncated kernel-visible name) or the
// full cmdline (spec.md §4.6 "Process tracking"), applying the
// configured weight only after the process has been absent for
// Quiescent, to avoid flapping during a restart.
type ProcessCondition struct {
	id      string
	weight  int
	reverse bool

	name       string
	matchCmdline bool
	quiescent  time.Duration
	interval   time.Duration

	lp *loop.Loop

	mu          sync.Mutex
	present     bool
	sinceChange time.Time
	confirmed   Outcome

	onChange func()
}

// NewProcessCondition starts a polling goroutine on lp's ticker that
// scans /proc every interval.
func NewProcessCondition(id string, weight int, reverse bool, name string, matchCmdline bool, quiescent, interval time.Duration, lp *loop.Loop) *ProcessCondition {
	c := &ProcessCondition{
		id: id, weight: weight, reverse: reverse,
		name: name, matchCmdline: matchCmdline,
		quiescent: quiescent, interval: interval, lp: lp,
		confirmed: Satisfied,
	}
	present := c.scan()
	c.present = present
	c.sinceChange = timeNow()
	if !present {
		c.confirmed = Failed
	}
	lp.TickerFunc(interval, func(time.Time) { go c.poll() })
	return c
}

// timeNow is indirected so tests can substitute a fake clock; the track
// package otherwise only consumes time.Time values handed in by its
// caller via Evaluate(now).
var timeNow = time.Now

func (c *ProcessCondition) poll() {
	present := c.scan()
	c.lp.Post(func() {
		if c.record(present) && c.onChange != nil {
			c.onChange()
		}
	})
}

// record folds a /proc scan result into the quiescent-window debounce
// and reports whether the confirmed Outcome actually changed.
func (c *ProcessCondition) record(present bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if present != c.present {
		c.present = present
		c.sinceChange = timeNow()
	}
	if timeNow().Sub(c.sinceChange) < c.quiescent {
		return false
	}
	prev := c.confirmed
	if present {
		c.confirmed = Satisfied
	} else {
		c.confirmed = Failed
	}
	return c.confirmed != prev
}

// SetOnChange registers fn to run every time the debounced presence
// outcome changes, letting a Tracker recompute immediately instead of
// waiting for its poll tick.
func (c *ProcessCondition) SetOnChange(fn func()) { c.onChange = fn }

func (c *ProcessCondition) scan() bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		var blob []byte
		var rerr error
		if c.matchCmdline {
			blob, rerr = os.ReadFile("/proc/" + e.Name() + "/cmdline")
		} else {
			blob, rerr = os.ReadFile("/proc/" + e.Name() + "/comm")
		}
		if rerr != nil {
			continue
		}
		text := strings.Trim(strings.ReplaceAll(string(blob), "\x00", " "), " \n")
		if strings.Contains(text, c.name) {
			return true
		}
	}
	return false
}

func (c *ProcessCondition) ID() string { return c.id }

func (c *ProcessCondition) Weight() (int, bool) { return c.weight, c.reverse }

func (c *ProcessCondition) Evaluate(now time.Time) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}
