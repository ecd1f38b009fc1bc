// Command perfextract pulls Intel PT data out of a perf.data recording: the
// raw AUXTRACE trace payloads (for feeding directly to cmd/ptdump/cmd/ptbench)
// and, from the recording's MMAP2 records, a libxdc-style page-dump/page-addr
// pair describing the traced process's mapped code (for the edge analyzer's
// memory reader).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/awmorgan/iptrace/memaccess"
	"github.com/awmorgan/iptrace/perfdata"
)

// Config holds perfextract's command-line configuration.
type Config struct {
	Input     string
	AuxOutput string
	FirstOnly bool
	PageDump  string
	PageAddr  string
}

func parseCommandLine() *Config {
	cfg := &Config{}
	flag.StringVar(&cfg.Input, "input", "", "path to a perf.data recording (required)")
	flag.StringVar(&cfg.AuxOutput, "aux-output", "", "path for extracted AUXTRACE payload(s): a file with -first-only, a directory otherwise")
	flag.BoolVar(&cfg.FirstOnly, "first-only", false, "only extract the first AUXTRACE record, ignoring the rest")
	flag.StringVar(&cfg.PageDump, "page-dump", "", "path for a generated page-dump file, from the recording's MMAP2 regions")
	flag.StringVar(&cfg.PageAddr, "page-addr", "", "path for the matching generated page-addr file")
	flag.Parse()
	return cfg
}

func extractAux(r *os.File, cfg *Config) error {
	recs, err := perfdata.ExtractAux(r)
	if err != nil {
		return fmt.Errorf("extracting AUXTRACE records: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "perfextract: no AUXTRACE records found")
		return nil
	}

	originName := filepath.Base(cfg.Input)
	if cfg.FirstOnly {
		if err := os.WriteFile(cfg.AuxOutput, recs[0].Data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", cfg.AuxOutput, err)
		}
		fmt.Printf("extracted %s\n", cfg.AuxOutput)
		return nil
	}

	if err := os.MkdirAll(cfg.AuxOutput, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.AuxOutput, err)
	}
	for _, rec := range recs {
		target := filepath.Join(cfg.AuxOutput, fmt.Sprintf("%s-aux-idx%d.bin", originName, rec.Idx))
		if err := os.WriteFile(target, rec.Data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
		fmt.Printf("extracted %s\n", target)
	}
	return nil
}

// extractPageDump rebuilds a libxdc-style page-dump/page-addr pair from the
// recording's MMAP2 regions, reading each mapped file's bytes directly off
// disk at the recorded file offset (not out of the perf.data recording
// itself, which only names the mapping, not its backing bytes).
func extractPageDump(r *os.File, cfg *Config) error {
	mmaps, err := perfdata.ExtractMmap2(r)
	if err != nil {
		return fmt.Errorf("extracting MMAP2 records: %w", err)
	}

	dumpFile, err := os.Create(cfg.PageDump)
	if err != nil {
		return fmt.Errorf("creating %s: %w", cfg.PageDump, err)
	}
	defer dumpFile.Close()
	addrFile, err := os.Create(cfg.PageAddr)
	if err != nil {
		return fmt.Errorf("creating %s: %w", cfg.PageAddr, err)
	}
	defer addrFile.Close()

	dumpW := bufio.NewWriter(dumpFile)
	addrW := bufio.NewWriter(addrFile)

	for _, m := range mmaps {
		if !filepath.IsAbs(m.Filename) {
			fmt.Fprintf(os.Stderr, "perfextract: mapped filename %q is not absolute, skipping\n", m.Filename)
			continue
		}
		content, err := readMappedRegion(m)
		if err != nil {
			fmt.Fprintf(os.Stderr, "perfextract: %v, skipping\n", err)
			continue
		}
		fmt.Printf("dumping %#x-%#x from %s\n", m.Addr, m.Addr+m.Len, m.Filename)
		if err := memaccess.DumpPages(dumpW, addrW, m.Addr, content); err != nil {
			return fmt.Errorf("writing pages for %s: %w", m.Filename, err)
		}
	}

	if err := dumpW.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", cfg.PageDump, err)
	}
	return addrW.Flush()
}

func readMappedRegion(m perfdata.Mmap2Record) ([]byte, error) {
	f, err := os.Open(m.Filename)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", m.Filename, err)
	}
	defer f.Close()

	buf := make([]byte, m.Len)
	n, err := f.ReadAt(buf, int64(m.PgOffset))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("reading %s at offset 0x%x: %w", m.Filename, m.PgOffset, err)
	}
	return buf[:n], nil
}

func run(cfg *Config) error {
	if cfg.Input == "" {
		return fmt.Errorf("-input is required")
	}
	if cfg.AuxOutput == "" && (cfg.PageDump == "" || cfg.PageAddr == "") {
		return fmt.Errorf("nothing to do: pass -aux-output and/or both -page-dump and -page-addr")
	}

	r, err := os.Open(cfg.Input)
	if err != nil {
		return fmt.Errorf("opening -input: %w", err)
	}
	defer r.Close()

	if cfg.AuxOutput != "" {
		if err := extractAux(r, cfg); err != nil {
			return err
		}
	}
	if cfg.PageDump != "" && cfg.PageAddr != "" {
		if err := extractPageDump(r, cfg); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	cfg := parseCommandLine()
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "perfextract:", err)
		os.Exit(1)
	}
}
