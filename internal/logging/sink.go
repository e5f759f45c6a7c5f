package logging

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink is the logging collaborator handed to transport components.
type Sink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type zerologSink struct {
	logger zerolog.Logger
}

// Zerolog adapts a zerolog logger to Sink.
func Zerolog(logger zerolog.Logger) Sink {
	return zerologSink{logger: logger}
}

// Global returns a Sink backed by the process logger configured in Configure.
func Global() Sink {
	return globalSink{}
}

func (s zerologSink) Debugf(format string, args ...any) { s.logger.Debug().Msgf(format, args...) }
func (s zerologSink) Infof(format string, args ...any)  { s.logger.Info().Msgf(format, args...) }
func (s zerologSink) Errorf(format string, args ...any) { s.logger.Error().Msgf(format, args...) }

// globalSink resolves log.Logger on every call so Configure may run later.
type globalSink struct{}

func (globalSink) Debugf(format string, args ...any) { log.Debug().Msgf(format, args...) }
func (globalSink) Infof(format string, args ...any)  { log.Info().Msgf(format, args...) }
func (globalSink) Errorf(format string, args ...any) { log.Error().Msgf(format, args...) }

// Entry is one recorded log line.
type Entry struct {
	Level zerolog.Level
	Text  string
}

// Recorder keeps log lines in memory for a UI log panel or test assertions.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewRecorder keeps at most limit entries; limit <= 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Debugf(format string, args ...any) { r.add(zerolog.DebugLevel, format, args) }
func (r *Recorder) Infof(format string, args ...any)  { r.add(zerolog.InfoLevel, format, args) }
func (r *Recorder) Errorf(format string, args ...any) { r.add(zerolog.ErrorLevel, format, args) }

func (r *Recorder) add(level zerolog.Level, format string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Text: fmt.Sprintf(format, args...)})
	if r.limit > 0 && len(r.entries) > r.limit {
		r.entries = append(r.entries[:0], r.entries[len(r.entries)-r.limit:]...)
	}
}

// Entries returns a copy of the recorded lines.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Drain returns recorded lines and clears the recorder.
func (r *Recorder) Drain() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = nil
	return out
}

// Count returns how many recorded entries sit at level.
func (r *Recorder) Count(level zerolog.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

type tee []Sink

// Tee fans every line out to all sinks.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

func (t tee) Debugf(format string, args ...any) {
	for _, s := range t {
		s.Debugf(format, args...)
	}
}

func (t tee) Infof(format string, args ...any) {
	for _, s := range t {
		s.Infof(format, args...)
	}
}

func (t tee) Errorf(format string, args ...any) {
	for _, s := range t {
		s.Errorf(format, args...)
	}
}
