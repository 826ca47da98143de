package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jittakal/flightrec/internal/chunk"
	"github.com/jittakal/flightrec/internal/export"
	"github.com/jittakal/flightrec/internal/storage"
)

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <file>...",
		Short: "Print the chunks and event counts of recording files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for i, path := range args {
				chunks, err := chunk.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				s, err := export.Summarize(chunks)
				if err != nil {
					return fmt.Errorf("summarize %s: %w", path, err)
				}
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "%s: %d chunks, %d events\n\n", path, len(s.Chunks), s.Events())
				if err := s.Write(out); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <dest> <chunk-or-repository>...",
		Short: "Concatenate chunk files into one recording",
		Long: `dump writes the given chunk files, and every chunk of the given ` +
			`repository directories in creation order, into dest. The last chunk ` +
			`is marked final.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := args[0]
			paths, err := expandSources(args[1:])
			if err != nil {
				return err
			}
			n, err := storage.DumpFiles(dest, paths)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d chunks (%d bytes) to %s\n", len(paths), n, dest)
			return nil
		},
	}
}

// expandSources replaces each directory with the chunk files it holds.
func expandSources(sources []string) ([]string, error) {
	var paths []string
	for _, src := range sources {
		fi, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			paths = append(paths, src)
			continue
		}
		chunks, err := storage.ListChunks(src)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", src, err)
		}
		paths = append(paths, chunks...)
	}
	return paths, nil
}

func newPprofCmd() *cobra.Command {
	var period time.Duration
	cmd := &cobra.Command{
		Use:   "pprof <recording> <out>",
		Short: "Export execution samples as a pprof profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunks, err := chunk.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			p, err := export.Profile(chunks, period)
			if err != nil {
				return fmt.Errorf("build profile: %w", err)
			}

			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if err := p.Write(f); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", args[1], err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples to %s\n", len(p.Sample), args[1])
			return nil
		},
	}
	cmd.Flags().DurationVar(&period, "period", 20*time.Millisecond, "sampling interval the recording ran with")
	return cmd
}
