// Command ptdump decodes a single Intel PT trace file, optionally replaying
// it through the control-flow edge analyzer and an AFL-style coverage
// bitmap, and prints packet/edge statistics.
//
// This is the single-round counterpart to ptbench's repeated-decode
// benchmark.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/awmorgan/iptrace/covbitmap"
	"github.com/awmorgan/iptrace/edgeanalyzer"
	"github.com/awmorgan/iptrace/internal/ptlog"
	"github.com/awmorgan/iptrace/internal/x86cfg"
	"github.com/awmorgan/iptrace/memaccess"
	"github.com/awmorgan/iptrace/ptpacket"
)

// Config holds ptdump's command-line configuration.
type Config struct {
	Input        string
	Mode         string
	Sync         bool
	Stats        bool
	Edges        bool
	Image        string
	ImageBase    uint64
	PageDump     string
	PageAddr     string
	Cache        bool
	FilterStart  uint64
	FilterEnd    uint64
	BitmapOutput string
	LogLevel     string
}

func parseCommandLine() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.Input, "input", "", "path to a raw Intel PT trace file (required)")
	flag.StringVar(&cfg.Mode, "mode", "64", "tracee addressing mode: 16, 32, or 64")
	flag.BoolVar(&cfg.Sync, "sync", true, "scan forward for a PSB before decoding")
	flag.BoolVar(&cfg.Stats, "stats", false, "tally and print packet counts by kind")
	flag.BoolVar(&cfg.Edges, "edges", false, "replay the trace through the edge analyzer")
	flag.StringVar(&cfg.Image, "image", "", "path to a flat binary image of the traced code (with -edges)")
	flag.Uint64Var(&cfg.ImageBase, "image-base", 0, "load address of -image, 0x prefix for hex (with -edges)")
	flag.StringVar(&cfg.PageDump, "page-dump", "", "path to a page-dump file, as produced by cmd/perfextract (with -edges)")
	flag.StringVar(&cfg.PageAddr, "page-addr", "", "path to the matching page-addr file (with -edges)")
	flag.BoolVar(&cfg.Cache, "cache", true, "enable the control-flow cache (with -edges)")
	flag.Uint64Var(&cfg.FilterStart, "filter-start", 0, "start of the coverage filter range, inclusive, 0x prefix for hex (with -edges)")
	flag.Uint64Var(&cfg.FilterEnd, "filter-end", 0, "end of the coverage filter range, exclusive, 0x prefix for hex (with -edges)")
	flag.StringVar(&cfg.BitmapOutput, "bitmap-output", "", "path to write the coverage bitmap to (with -edges)")
	flag.StringVar(&cfg.LogLevel, "log-level", "warning", "minimum log severity: debug, info, warning, error")
	flag.Parse()
	return cfg
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

func parseLogLevel(s string) (ptlog.Severity, error) {
	switch strings.ToLower(s) {
	case "debug":
		return ptlog.SeverityDebug, nil
	case "info":
		return ptlog.SeverityInfo, nil
	case "warning":
		return ptlog.SeverityWarning, nil
	case "error":
		return ptlog.SeverityError, nil
	default:
		return 0, fmt.Errorf("invalid -log-level %q", s)
	}
}

// buildReader constructs the memory reader the edge analyzer fetches
// instruction bytes from, from whichever of -image/-page-dump the caller
// supplied.
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
		return nil, fmt.Errorf("-edges requires either -image/-image-base or -page-dump/-page-addr")
	}
}

func run(cfg *Config) error {
	if cfg.Input == "" {
		return fmt.Errorf("-input is required")
	}
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := ptlog.NewStdLogger(level)

	data, err := os.ReadFile(cfg.Input)
	if err != nil {
		return fmt.Errorf("reading -input: %w", err)
	}

	packetMode, err := parsePacketMode(cfg.Mode)
	if err != nil {
		return err
	}

	var handler ptpacket.Handler = ptpacket.NopHandler{}
	var bitmap *covbitmap.Handler
	var bitmapBuf []byte
	var analyzer *edgeanalyzer.Analyzer

	if cfg.Edges {
		cfgMode, err := parseCfgMode(cfg.Mode)
		if err != nil {
			return err
		}
		reader, err := buildReader(cfg)
		if err != nil {
			return err
		}
		bitmapBuf = make([]byte, 0x10000)
		bitmap = covbitmap.New(bitmapBuf)
		if cfg.FilterEnd > cfg.FilterStart {
			bitmap.SetFilterRange(cfg.FilterStart, cfg.FilterEnd)
		}
		analyzer = edgeanalyzer.New(reader, bitmap, edgeanalyzer.Options{
			TraceeMode:   cfgMode,
			CacheEnabled: cfg.Cache,
		})
		handler = analyzer
	}

	var counter *ptpacket.CountingHandler
	if cfg.Stats {
		counter = ptpacket.NewCountingHandler(handler)
		handler = counter
	}

	if analyzer != nil {
		analyzer.BeginDecode()
	}

	opts := ptpacket.Options{TraceeMode: packetMode, Sync: cfg.Sync}
	if err := ptpacket.Decode(data, opts, handler, logger); err != nil {
		return fmt.Errorf("decoding %s: %w", cfg.Input, err)
	}

	if counter != nil {
		printStats(counter)
	}
	if analyzer != nil {
		diag := analyzer.Diagnose()
		fmt.Printf("edge analyzer: %d CFG nodes, cache sizes 8-bit=%d 32-bit=%d trailing=%d\n",
			diag.CfgNodes, diag.Cache8, diag.Cache32, diag.CacheTrailing)
	}
	if bitmapBuf != nil && cfg.BitmapOutput != "" {
		if err := os.WriteFile(cfg.BitmapOutput, bitmapBuf, 0o644); err != nil {
			return fmt.Errorf("writing -bitmap-output: %w", err)
		}
	}
	return nil
}

func printStats(c *ptpacket.CountingHandler) {
	fmt.Println("\nPacket counts by kind:")
	total := 0
	for kind, n := range c.Counts {
		fmt.Printf("  %-12s %d\n", kind, n)
		total += n
	}
	fmt.Printf("  %-12s %d\n", "TOTAL", total)
}

func main() {
	cfg := parseCommandLine()
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ptdump:", err)
		os.Exit(1)
	}
}
