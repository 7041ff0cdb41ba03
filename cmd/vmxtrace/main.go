package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/config"
	"github.com/tinyrange/vmx/internal/perf"
	"github.com/tinyrange/vmx/internal/vmm"
	"github.com/tinyrange/vmx/internal/vmm/vmmtest"
)

type spanRecord struct {
	Name  string
	Flags perf.SpanFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *spanRecord) String() string {
	return fmt.Sprintf("% 30s flags=% 8s count=% 8d sum=% 14s min=% 14s max=% 14s avg=% 14s",
		r.Name, r.Flags, r.Count,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *spanRecord) Add(duration time.Duration) {
	r.Count++
	r.Sum += duration
	if r.Min == 0 || duration < r.Min {
		r.Min = duration
	}
	if r.Max == 0 || duration > r.Max {
		r.Max = duration
	}
}

// style highlights a line when stdout is a terminal.
func style(s string, styled bool) string {
	if !styled {
		return s
	}
	return ansi.Style{}.Bold().Styled(s)
}

func printSums(f *os.File, styled bool) error {
	records := map[string]*spanRecord{}
	displayOrder := []string{}

	if err := perf.ReadAllSpans(f, func(name string, flags perf.SpanFlags, duration time.Duration) error {
		record, ok := records[name]
		if !ok {
			displayOrder = append(displayOrder, name)
			record = &spanRecord{Name: name, Flags: flags}
			records[name] = record
		}
		record.Add(duration)
		return nil
	}); err != nil {
		return err
	}

	var hottest *spanRecord
	for _, record := range records {
		if hottest == nil || record.Sum > hottest.Sum {
			hottest = record
		}
	}

	for _, name := range displayOrder {
		record := records[name]
		fmt.Printf("%s\n", style(record.String(), styled && record == hottest))
	}
	return nil
}

func printAll(f *os.File) error {
	return perf.ReadAllSpans(f, func(name string, flags perf.SpanFlags, duration time.Duration) error {
		fmt.Printf("%s %s %s\n", name, flags, duration)
		return nil
	})
}

func printConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	opts := cfg.EngineOptions()
	fmt.Printf("processors:          %d\n", cfg.Processors)
	fmt.Printf("vendor:              %s\n", opts.Vendor)
	fmt.Printf("record_exit_history: %v\n", opts.RecordExitHistory)
	fmt.Printf("exit_history_size:   %d\n", opts.HistoryDepth)
	for _, msr := range opts.CompatMSRs {
		fmt.Printf("compat_msr:          %#x\n", uint32(msr))
	}
	return nil
}

// runDemo drives the engine through a scripted exit sequence on the software
// machine and prints the exit-history ring. When spanPath is set the handler
// timing spans are recorded there for later inspection with -sums.
func runDemo(spanPath string, styled bool) error {
	opts := vmm.Options{RecordExitHistory: true}

	var rec *perf.Recorder
	if spanPath != "" {
		f, err := os.Create(spanPath)
		if err != nil {
			return err
		}
		defer f.Close()
		rec, err = perf.Open(f)
		if err != nil {
			return err
		}
		defer rec.Close()
		opts.Perf = rec
	}

	m := vmmtest.NewMachine()
	v, err := vmm.New(m, m, opts)
	if err != nil {
		return err
	}

	var lastStack *vmm.ExitStack
	run := func(reason arch.ExitReason, qualification uint64, setup func(*vmm.ExitStack)) bool {
		lastStack = m.NewStack()
		if setup != nil {
			setup(lastStack)
		}
		m.SetExit(reason, qualification)
		return v.HandleExit(lastStack)
	}

	run(arch.ExitCpuid, 0, func(s *vmm.ExitStack) { s.Regs.Rax = 0 })
	run(arch.ExitCpuid, 0, func(s *vmm.ExitStack) { s.Regs.Rax = 1 })
	run(arch.ExitRdtsc, 0, nil)
	m.SetField(arch.FieldGuestSysenterCs, 0x10)
	run(arch.ExitMsrRead, 0, func(s *vmm.ExitStack) { s.Regs.Rcx = uint64(arch.MsrSysenterCs) })
	run(arch.ExitIoInstruction, uint64(0x3f8)<<16, func(s *vmm.ExitStack) { s.Regs.Rax = '!' })
	run(arch.ExitVmcall, 0, func(s *vmm.ExitStack) { s.Regs.Rcx = uint64(vmm.HypercallPing) })
	resumed := run(arch.ExitVmcall, 0, func(s *vmm.ExitStack) {
		s.Regs.Rcx = uint64(vmm.HypercallTerminate)
		s.Regs.Rdx = 0x4000
	})

	for _, entry := range v.History(0) {
		if entry.IP == 0 {
			continue
		}
		name := fmt.Sprintf("%-28s", entry.Reason.Reason())
		fmt.Printf("%s ip=%#x qual=%#x ax=%#x cx=%#x dx=%#x\n",
			style(name, styled), entry.IP, entry.Qualification,
			entry.Regs.Rax, entry.Regs.Rcx, entry.Regs.Rdx)
	}
	if !resumed {
		fmt.Printf("guest requested teardown: resume at %#x\n", lastStack.Regs.Rcx)
	}
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Span file to read (or to write with -demo)")
	sums := fs.Bool("sums", false, "Print aggregated span durations")
	configPath := fs.String("config", "", "Print the effective engine settings for a config file")
	demo := fs.Bool("demo", false, "Run a scripted exit sequence on the software machine")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	styled := term.IsTerminal(int(os.Stdout.Fd()))

	if *configPath != "" {
		if err := printConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *demo {
		if err := runDemo(*filename, styled); err != nil {
			fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open span file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		err = printSums(f, styled)
	} else {
		err = printAll(f)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read span file: %v\n", err)
		os.Exit(1)
	}
}
