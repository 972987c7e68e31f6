package eval

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Scalar is one named metric value.
type Scalar struct {
	Name  string
	Value float64
}

// Summary is one named annotated image.
type Summary struct {
	Name     string
	Filename string // where the image is written, empty if it is not
	Image    image.Image
}

// Sink receives the metrics produced by an evaluation. Implementations
// must be safe for use from several goroutines.
type Sink interface {
	Scalars(step int, scalars []Scalar) error
	Image(step int, s Summary) error
}

// LogSink writes every metric to a log.
type LogSink struct {
	Log logs.Log
}

func (s LogSink) Scalars(step int, scalars []Scalar) error {
	parts := make([]string, len(scalars))
	for i, sc := range scalars {
		parts[i] = fmt.Sprintf("%s=%.4f", sc.Name, sc.Value)
	}
	s.Log.Infof("step %d: %s", step, strings.Join(parts, " "))
	return nil
}

func (s LogSink) Image(step int, sum Summary) error {
	if sum.Filename != "" {
		s.Log.Debugf("step %d: %s -> %s", step, sum.Name, sum.Filename)
	}
	return nil
}

// CSVSink logs scalars to a CSV file, one row per step. The columns are
// fixed by the first call: step, the scalar names in sorted order, then
// the elapsed time. Later scalars outside that set are ignored.
type CSVSink struct {
	Filename string

	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
	start   time.Time
	columns []string
}

// NewCSVSink creates (or, with append, extends) filename.
func NewCSVSink(filename string, append bool) (*CSVSink, error) {
	mode := os.O_CREATE | os.O_WRONLY
	if append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}
	file, err := os.OpenFile(filename, mode, 0644)
	if err != nil {
		return nil, fmt.Errorf("CSVSink: failed to open file %s: %w", filename, err)
	}
	return &CSVSink{
		Filename: filename,
		file:     file,
		writer:   csv.NewWriter(file),
		start:    time.Now(),
	}, nil
}

func (c *CSVSink) Scalars(step int, scalars []Scalar) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return fmt.Errorf("CSVSink: %s is closed", c.Filename)
	}

	values := make(map[string]float64, len(scalars))
	for _, s := range scalars {
		values[s.Name] = s.Value
	}
	if c.columns == nil {
		for name := range values {
			c.columns = append(c.columns, name)
		}
		slices.Sort(c.columns)
		header := append([]string{"step"}, c.columns...)
		if info, err := c.file.Stat(); err != nil || info.Size() == 0 {
			if err := c.writer.Write(append(header, "time_seconds")); err != nil {
				return fmt.Errorf("CSVSink: failed to write header: %w", err)
			}
		}
	}

	record := make([]string, 0, len(c.columns)+2)
	record = append(record, strconv.Itoa(step))
	for _, name := range c.columns {
		v, ok := values[name]
		if !ok {
			record = append(record, "")
			continue
		}
		record = append(record, fmt.Sprintf("%.6f", v))
	}
	record = append(record, fmt.Sprintf("%.2f", time.Since(c.start).Seconds()))
	if err := c.writer.Write(record); err != nil {
		return fmt.Errorf("CSVSink: failed to write record: %w", err)
	}
	c.writer.Flush()
	return c.writer.Error()
}

// Image is a no-op: images have no place in a CSV file.
func (c *CSVSink) Image(step int, s Summary) error {
	return nil
}

// Close flushes and closes the file.
func (c *CSVSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	c.writer.Flush()
	err := errors.Join(c.writer.Error(), c.file.Close())
	c.file = nil
	c.writer = nil
	return err
}

// MultiSink fans every call out to all its sinks.
type MultiSink []Sink

func (m MultiSink) Scalars(step int, scalars []Scalar) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Scalars(step, scalars))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Image(step int, sum Summary) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Image(step, sum))
	}
	return errors.Join(errs...)
}

// MaxImages is how many summaries Gallery keeps per name.
const MaxImages = 10

// Gallery keeps the most recent image summaries under each name, and the
// latest value of each scalar.
type Gallery struct {
	mu      sync.Mutex
	images  map[string][]Summary
	scalars map[string]float64
}

func NewGallery() *Gallery {
	return &Gallery{
		images:  make(map[string][]Summary),
		scalars: make(map[string]float64),
	}
}

func (g *Gallery) Scalars(step int, scalars []Scalar) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range scalars {
		g.scalars[s.Name] = s.Value
	}
	return nil
}

func (g *Gallery) Image(step int, s Summary) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := append(g.images[s.Name], s)
	if len(list) > MaxImages {
		list = list[len(list)-MaxImages:]
	}
	g.images[s.Name] = list
	return nil
}

// Images returns the summaries kept under name, oldest first.
func (g *Gallery) Images(name string) []Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.images[name])
}

// Scalar returns the latest value reported under name.
func (g *Gallery) Scalar(name string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.scalars[name]
	return v, ok
}
