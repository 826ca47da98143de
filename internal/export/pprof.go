// Package export converts recorded chunks into forms other tools read: a
// per-chunk summary and a pprof profile of the execution samples.
package export

import (
	"fmt"
	"time"

	"github.com/google/pprof/profile"

	"github.com/jittakal/flightrec/internal/chunk"
	"github.com/jittakal/flightrec/internal/wire"
	"github.com/jittakal/flightrec/pkg/event"
)

type funcKey struct {
	name string
	file string
}

type locKey struct {
	fn   uint64
	line int32
}

type profileBuilder struct {
	p         *profile.Profile
	functions map[funcKey]*profile.Function
	locations map[locKey]*profile.Location
}

// Profile builds a pprof profile with one sample per execution sample event.
// Every sample counts once; period is the sampling interval the recording
// ran with and is only recorded as metadata.
func Profile(chunks []*chunk.Chunk, period time.Duration) (*profile.Profile, error) {
	b := &profileBuilder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "wall", Unit: "nanoseconds"},
			Period:     period.Nanoseconds(),
		},
		functions: make(map[funcKey]*profile.Function),
		locations: make(map[locKey]*profile.Location),
	}

	var first, last time.Time
	for _, c := range chunks {
		start := c.Header.StartTime()
		end := start.Add(c.Header.Duration())
		if first.IsZero() || start.Before(first) {
			first = start
		}
		if end.After(last) {
			last = end
		}
		for _, r := range c.EventsOf(event.TypeExecutionSample) {
			if err := b.addSample(c, r); err != nil {
				return nil, fmt.Errorf("sample at offset %d: %w", c.Offset+r.Offset, err)
			}
		}
	}
	if !first.IsZero() {
		b.p.TimeNanos = first.UnixNano()
		b.p.DurationNanos = last.Sub(first).Nanoseconds()
	}
	if err := b.p.CheckValid(); err != nil {
		return nil, err
	}
	return b.p, nil
}

func (b *profileBuilder) addSample(c *chunk.Chunk, r chunk.Record) error {
	d := wire.NewDecoder(r.Payload)
	goroutines := d.Ulong()
	stackID := d.Ulong()
	if err := d.Err(); err != nil {
		return err
	}

	frames, truncated := c.Pools.StackTrace(stackID)
	if len(frames) == 0 {
		return nil
	}
	s := &profile.Sample{
		Value:    []int64{1},
		Location: make([]*profile.Location, 0, len(frames)),
		NumLabel: map[string][]int64{"goroutines": {int64(goroutines)}},
	}
	if truncated {
		s.Label = map[string][]string{"truncated": {"true"}}
	}
	for _, f := range frames {
		s.Location = append(s.Location, b.location(f))
	}
	b.p.Sample = append(b.p.Sample, s)
	return nil
}

func (b *profileBuilder) location(f event.Frame) *profile.Location {
	fn := b.function(f.Method)
	key := locKey{fn: fn.ID, line: f.Line}
	if loc, ok := b.locations[key]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:   uint64(len(b.p.Location) + 1),
		Line: []profile.Line{{Function: fn, Line: int64(f.Line)}},
	}
	b.locations[key] = loc
	b.p.Location = append(b.p.Location, loc)
	return loc
}

func (b *profileBuilder) function(m event.Method) *profile.Function {
	key := funcKey{name: m.String(), file: m.Descriptor}
	if fn, ok := b.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       key.name,
		SystemName: key.name,
		Filename:   key.file,
	}
	b.functions[key] = fn
	b.p.Function = append(b.p.Function, fn)
	return fn
}
