package export

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jittakal/flightrec/internal/chunk"
	"github.com/jittakal/flightrec/internal/metadata"
	"github.com/jittakal/flightrec/pkg/event"
)

// ChunkSummary describes one chunk of a recording file.
type ChunkSummary struct {
	Offset      int64
	Size        int64
	Start       time.Time
	Duration    time.Duration
	Complete    bool
	Final       bool
	Events      int
	Checkpoints int
	Metadata    int
}

// TypeCount is the number of events of one type across a file.
type TypeCount struct {
	ID    event.TypeID
	Name  string
	Count int
	Bytes int64
}

// Summary describes a recording file.
type Summary struct {
	Chunks []ChunkSummary
	Types  []TypeCount
}

// Summarize counts the chunks and events of a recording. Type names come from
// the metadata events; types without a descriptor are named by id.
func Summarize(chunks []*chunk.Chunk) (Summary, error) {
	var s Summary
	names := make(map[event.TypeID]string)
	counts := make(map[event.TypeID]*TypeCount)

	for _, c := range chunks {
		for _, m := range c.Metadata {
			doc, err := metadata.Decode(m.Blob)
			if err != nil {
				return Summary{}, fmt.Errorf("chunk at offset %d: %w", c.Offset, err)
			}
			for id, d := range doc.Index() {
				names[id] = d.Name
			}
		}
		s.Chunks = append(s.Chunks, ChunkSummary{
			Offset:      c.Offset,
			Size:        c.Header.ChunkSize,
			Start:       c.Header.StartTime(),
			Duration:    c.Header.Duration(),
			Complete:    c.Header.Complete(),
			Final:       c.Header.Final(),
			Events:      len(c.Events),
			Checkpoints: len(c.Checkpoints),
			Metadata:    len(c.Metadata),
		})
		for _, r := range c.Events {
			tc, ok := counts[r.Type]
			if !ok {
				tc = &TypeCount{ID: r.Type}
				counts[r.Type] = tc
			}
			tc.Count++
			tc.Bytes += int64(r.Size)
		}
	}

	for id, tc := range counts {
		tc.Name = names[id]
		if tc.Name == "" {
			tc.Name = fmt.Sprintf("type %d", id)
		}
		s.Types = append(s.Types, *tc)
	}
	sort.Slice(s.Types, func(i, j int) bool {
		if s.Types[i].Count != s.Types[j].Count {
			return s.Types[i].Count > s.Types[j].Count
		}
		return s.Types[i].ID < s.Types[j].ID
	})
	return s, nil
}

// Events returns the total number of events.
func (s Summary) Events() int {
	n := 0
	for _, c := range s.Chunks {
		n += c.Events
	}
	return n
}

// Write prints the summary as two aligned tables.
func (s Summary) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "CHUNK\tOFFSET\tSIZE\tSTART\tDURATION\tEVENTS\tCHECKPOINTS\tSTATE\n")
	for i, c := range s.Chunks {
		state := "incomplete"
		switch {
		case c.Final:
			state = "final"
		case c.Complete:
			state = "complete"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%d\t%d\t%s\n",
			i+1, c.Offset, c.Size, c.Start.UTC().Format(time.RFC3339), c.Duration, c.Events, c.Checkpoints, state)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "EVENT TYPE\tID\tCOUNT\tBYTES\n")
	for _, t := range s.Types {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", t.Name, t.ID, t.Count, t.Bytes)
	}
	return tw.Flush()
}
