// Command fuzzseed replays a directory of fuzzing-seed Intel PT traces
// through the edge analyzer and coverage bitmap, timing the run the way a
// fuzzer's trace-replay stage would, and writes the timings out as JSON.
//
// Each trace file is named "<index>.pt", index counting up from 0
// continuously to -max-index.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/awmorgan/iptrace/covbitmap"
	"github.com/awmorgan/iptrace/edgeanalyzer"
	"github.com/awmorgan/iptrace/internal/ptlog"
	"github.com/awmorgan/iptrace/internal/x86cfg"
	"github.com/awmorgan/iptrace/memaccess"
	"github.com/awmorgan/iptrace/ptpacket"
)

// Config holds fuzzseed's command-line configuration.
type Config struct {
	Input      string
	PageDump   string
	PageAddr   string
	RangeStart string
	RangeEnd   string
	MaxIndex   int
	Output     string
}

func parseCommandLine() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.Input, "input", "", "directory of fuzzing-seed PT traces, named 0.pt, 1.pt, ... (required)")
	flag.StringVar(&cfg.PageDump, "page-dump", "", "path to a page-dump file, as produced by cmd/perfextract (required)")
	flag.StringVar(&cfg.PageAddr, "page-addr", "", "path to the matching page-addr file (required)")
	flag.StringVar(&cfg.RangeStart, "range-start", "", "hex start of the coverage filter range, inclusive; requires -range-end")
	flag.StringVar(&cfg.RangeEnd, "range-end", "", "hex end of the coverage filter range, exclusive; requires -range-start")
	flag.IntVar(&cfg.MaxIndex, "max-index", 0, "max index of trace files inside -input (required, files 0.pt..max-index.pt are all read into memory at once)")
	flag.StringVar(&cfg.Output, "output", "", "path for the statistics JSON output (required)")
	flag.Parse()
	return cfg
}

// extractRange parses -range-start/-range-end the way libxdc-experiments
// does: both or neither, each an optionally "0x"-prefixed hex uint64.
func extractRange(start, end string) (lo, hi uint64, ok bool, err error) {
	if start == "" && end == "" {
		return 0, 0, false, nil
	}
	if start == "" || end == "" {
		return 0, 0, false, fmt.Errorf("-range-start and -range-end must be given together")
	}
	lo, err = strconv.ParseUint(strings.TrimPrefix(start, "0x"), 16, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid -range-start: %w", err)
	}
	hi, err = strconv.ParseUint(strings.TrimPrefix(end, "0x"), 16, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid -range-end: %w", err)
	}
	return lo, hi, true, nil
}

// statisticsOutput mirrors the replay's timing: TotalTime is the whole run's
// wall-clock duration, and Times[i] is the cumulative elapsed time as of the
// completion of trace i (both in nanoseconds), matching a fuzzer's running
// tally of replay progress rather than each trace's isolated decode cost.
type statisticsOutput struct {
	TotalTime int64   `json:"total_time"`
	Times     []int64 `json:"times"`
}

func run(cfg *Config) error {
	switch {
	case cfg.Input == "":
		return fmt.Errorf("-input is required")
	case cfg.PageDump == "" || cfg.PageAddr == "":
		return fmt.Errorf("-page-dump and -page-addr are required")
	case cfg.Output == "":
		return fmt.Errorf("-output is required")
	}

	lo, hi, hasRange, err := extractRange(cfg.RangeStart, cfg.RangeEnd)
	if err != nil {
		return err
	}

	reader, err := memaccess.LoadPageDump(cfg.PageDump, cfg.PageAddr)
	if err != nil {
		return fmt.Errorf("loading page dump: %w", err)
	}

	bitmap := covbitmap.New(make([]byte, 0x10000))
	if hasRange {
		bitmap.SetFilterRange(lo, hi)
	}
	analyzer := edgeanalyzer.New(reader, bitmap, edgeanalyzer.Options{
		TraceeMode:   x86cfg.Mode64,
		CacheEnabled: true,
	})

	traces := make([][]byte, cfg.MaxIndex+1)
	for i := 0; i <= cfg.MaxIndex; i++ {
		path := filepath.Join(cfg.Input, fmt.Sprintf("%d.pt", i))
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		traces[i] = data
	}

	opts := ptpacket.Options{TraceeMode: ptpacket.Mode64, Sync: true}
	logger := ptlog.NewNoOpLogger()

	start := time.Now()
	times := make([]int64, 0, len(traces))
	for i, trace := range traces {
		analyzer.BeginDecode()
		if err := ptpacket.Decode(trace, opts, analyzer, logger); err != nil {
			return fmt.Errorf("decoding trace %d: %w", i, err)
		}
		times = append(times, time.Since(start).Nanoseconds())
	}
	totalTime := time.Since(start).Nanoseconds()

	out, err := os.Create(cfg.Output)
	if err != nil {
		return fmt.Errorf("creating -output: %w", err)
	}
	defer out.Close()
	if err := json.NewEncoder(out).Encode(statisticsOutput{TotalTime: totalTime, Times: times}); err != nil {
		return fmt.Errorf("writing -output: %w", err)
	}
	return nil
}

func main() {
	cfg := parseCommandLine()
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "fuzzseed:", err)
		os.Exit(1)
	}
}
