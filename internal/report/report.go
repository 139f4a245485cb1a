// Package report collects run warnings deduplicated by cause. In terse
// mode each distinct cause is reported once at the end of the run with a
// single example source path; in verbose mode every occurrence is logged
// as it happens. The collector is safe for concurrent use so parallel
// extraction workers can share it.
package report

import (
	"log/slog"
	"sort"
	"sync"
)

type cause struct {
	count   int
	example string
}

// Collector aggregates warnings by cause string.
type Collector struct {
	mu      sync.Mutex
	verbose bool
	log     *slog.Logger
	causes  map[string]*cause
}

// New returns a Collector. With verbose set, every Warn call is logged
// immediately in addition to being counted.
func New(log *slog.Logger, verbose bool) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		verbose: verbose,
		log:     log,
		causes:  make(map[string]*cause),
	}
}

// Warn records one occurrence of a failure cause against a source path.
func (c *Collector) Warn(kind, path string) {
	c.mu.Lock()
	rec, ok := c.causes[kind]
	if !ok {
		rec = &cause{example: path}
		c.causes[kind] = rec
	}
	rec.count++
	c.mu.Unlock()

	if c.verbose {
		c.log.Warn(kind, "file", path)
	}
}

// Total returns the number of warnings recorded so far.
func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rec := range c.causes {
		n += rec.count
	}
	return n
}

// Summarize logs one line per distinct cause with its repeat count and an
// example offending path, in stable (sorted) order.
func (c *Collector) Summarize() {
	c.mu.Lock()
	kinds := make([]string, 0, len(c.causes))
	for k := range c.causes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	type line struct {
		kind    string
		count   int
		example string
	}
	lines := make([]line, 0, len(kinds))
	for _, k := range kinds {
		lines = append(lines, line{k, c.causes[k].count, c.causes[k].example})
	}
	c.mu.Unlock()

	for _, l := range lines {
		c.log.Warn(l.kind, "repeated", l.count, "eg", l.example)
	}
}
