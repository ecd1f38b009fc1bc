// Command ptbench decodes the same Intel PT trace repeatedly through the
// edge analyzer, reporting the cold (first, cache-empty) decode time
// separately from the average of the warm (cache-populated) runs that
// follow - the benchmark the control-flow cache exists to justify.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/awmorgan/iptrace/covbitmap"
	"github.com/awmorgan/iptrace/edgeanalyzer"
	"github.com/awmorgan/iptrace/internal/ptlog"
	"github.com/awmorgan/iptrace/internal/x86cfg"
	"github.com/awmorgan/iptrace/memaccess"
	"github.com/awmorgan/iptrace/ptpacket"
)

// Config holds ptbench's command-line configuration.
type Config struct {
	Input       string
	Mode        string
	Image       string
	ImageBase   uint64
	PageDump    string
	PageAddr    string
	Cache       bool
	FilterStart uint64
	FilterEnd   uint64
	Rounds      int
}

func parseCommandLine() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.Input, "input", "", "path to a raw Intel PT trace file (required)")
	flag.StringVar(&cfg.Mode, "mode", "64", "tracee addressing mode: 16, 32, or 64")
	flag.StringVar(&cfg.Image, "image", "", "path to a flat binary image of the traced code")
	flag.Uint64Var(&cfg.ImageBase, "image-base", 0, "load address of -image (0x prefix for hex)")
	flag.StringVar(&cfg.PageDump, "page-dump", "", "path to a page-dump file, as produced by cmd/perfextract")
	flag.StringVar(&cfg.PageAddr, "page-addr", "", "path to the matching page-addr file")
	flag.BoolVar(&cfg.Cache, "cache", true, "enable the control-flow cache")
	flag.Uint64Var(&cfg.FilterStart, "filter-start", 0, "start of the coverage filter range, inclusive (0x prefix for hex)")
	flag.Uint64Var(&cfg.FilterEnd, "filter-end", 0, "end of the coverage filter range, exclusive (0x prefix for hex)")
	flag.IntVar(&cfg.Rounds, "rounds", 10, "number of decode rounds, must be greater than 1")
	flag.Parse()
	return cfg
}

func parseCfgMode(s string) (x86cfg.TraceeMode, error) {
	switch s {
	case "16":
		return x86cfg.Mode16, nil
	case "32":
		return x86cfg.Mode32, nil
	case "64":
		return x86cfg.Mode64, nil
	default:
		return 0, fmt.Errorf("invalid -mode %q: want 16, 32, or 64", s)
	}
}

func parsePacketMode(s string) (ptpacket.TraceeMode, error) {
	switch s {
	case "16":
		return ptpacket.Mode16, nil
	case "32":
		return ptpacket.Mode32, nil
	case "64":
		return ptpacket.Mode64, nil
	default:
		return 0, fmt.Errorf("invalid -mode %q: want 16, 32, or 64", s)
	}
}

func buildReader(cfg *Config) (memaccess.Reader, error) {
	switch {
	case cfg.Image != "":
		data, err := os.ReadFile(cfg.Image)
		if err != nil {
			return nil, fmt.Errorf("reading -image: %w", err)
		}
		m := memaccess.NewMapper()
		if err := m.AddAccessor(memaccess.NewBufferAccessor(cfg.ImageBase, data)); err != nil {
			return nil, fmt.Errorf("mapping -image: %w", err)
		}
		return m, nil
	case cfg.PageDump != "" && cfg.PageAddr != "":
		return memaccess.LoadPageDump(cfg.PageDump, cfg.PageAddr)
	default:
		return nil, fmt.Errorf("ptbench requires either -image/-image-base or -page-dump/-page-addr")
	}
}

func run(cfg *Config) error {
	if cfg.Input == "" {
		return fmt.Errorf("-input is required")
	}
	if cfg.Rounds <= 1 {
		return fmt.Errorf("-rounds must be greater than 1, got %d", cfg.Rounds)
	}

	data, err := os.ReadFile(cfg.Input)
	if err != nil {
		return fmt.Errorf("reading -input: %w", err)
	}
	packetMode, err := parsePacketMode(cfg.Mode)
	if err != nil {
		return err
	}
	cfgMode, err := parseCfgMode(cfg.Mode)
	if err != nil {
		return err
	}
	reader, err := buildReader(cfg)
	if err != nil {
		return err
	}

	bitmap := covbitmap.New(make([]byte, 0x10000))
	if cfg.FilterEnd > cfg.FilterStart {
		bitmap.SetFilterRange(cfg.FilterStart, cfg.FilterEnd)
	}
	analyzer := edgeanalyzer.New(reader, bitmap, edgeanalyzer.Options{
		TraceeMode:   cfgMode,
		CacheEnabled: cfg.Cache,
	})

	opts := ptpacket.Options{TraceeMode: packetMode, Sync: true}
	logger := ptlog.NewNoOpLogger()

	decodeOnce := func() (time.Duration, error) {
		analyzer.BeginDecode()
		start := time.Now()
		if err := ptpacket.Decode(data, opts, analyzer, logger); err != nil {
			return 0, err
		}
		return time.Since(start), nil
	}

	coldTime, err := decodeOnce()
	if err != nil {
		return fmt.Errorf("cold decode: %w", err)
	}
	printDiagnose(analyzer, "cold", coldTime)

	var totalWarm time.Duration
	for round := 1; round < cfg.Rounds; round++ {
		warmTime, err := decodeOnce()
		if err != nil {
			return fmt.Errorf("warm decode %d: %w", round, err)
		}
		totalWarm += warmTime
		printDiagnose(analyzer, fmt.Sprintf("warm[%d]", round), warmTime)
	}

	avg := totalWarm / time.Duration(cfg.Rounds-1)
	fmt.Printf("\ncold = %s, avg_warm = %s over %d warm rounds\n", coldTime, avg, cfg.Rounds-1)
	return nil
}

func printDiagnose(a *edgeanalyzer.Analyzer, label string, elapsed time.Duration) {
	diag := a.Diagnose()
	fmt.Printf("%-10s time=%-15s cfg_nodes=%-6d cache8=%-6d cache32=%-6d cache_trailing=%d\n",
		label, elapsed, diag.CfgNodes, diag.Cache8, diag.Cache32, diag.CacheTrailing)
}

func main() {
	cfg := parseCommandLine()
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ptbench:", err)
		os.Exit(1)
	}
}
