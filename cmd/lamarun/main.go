// lamarun - the entry point for running Lama bytecode files
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/lamarun/config"
	"github.com/chazu/lamarun/dump"
	"github.com/chazu/lamarun/heap"
	"github.com/chazu/lamarun/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output (run summary, GC statistics)")
	disassemble := flag.Bool("d", false, "Disassemble the bytefile instead of running it")
	trace := flag.Bool("trace", false, "Log every dispatched instruction")
	profileOut := flag.String("profile", "", "Write a CBOR execution profile to this path")
	configDir := flag.String("config", "", "Directory containing lamarun.toml")
	noConfig := flag.Bool("no-config", false, "Skip lamarun.toml discovery")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lamarun [options] file.bc\n\n")
		fmt.Fprintf(os.Stderr, "Runs a Lama bytecode file to completion.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lamarun prog.bc              # Run prog.bc\n")
		fmt.Fprintf(os.Stderr, "  lamarun -d prog.bc           # Print its disassembly\n")
		fmt.Fprintf(os.Stderr, "  lamarun -profile p.cbor prog.bc\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "lamarun takes exactly one bytecode file, got %d arguments\n", flag.NArg())
		flag.Usage()
		os.Exit(1)
	}
	path := flag.Arg(0)

	cfg := config.Default()
	if !*noConfig {
		dir := *configDir
		if dir == "" {
			dir = "."
		}
		loaded, err := config.FindAndLoad(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			cfg = loaded
		}
	}

	verbosity := cfg.Log.Verbosity
	if *trace || cfg.Interpreter.Trace {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	log := commonlog.GetLogger("lamarun")

	bf, err := vm.Load(path)
	if err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(os.Stderr, "E %s\n", line)
		}
		os.Exit(1)
	}

	if *disassemble {
		fmt.Print(vm.Disassemble(bf))
		return
	}

	rt := heap.NewRuntime()
	rt.SetGCThreshold(cfg.GC.Threshold)

	interp, err := vm.NewInterpreter(bf, rt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "E %v\n", err)
		os.Exit(1)
	}
	interp.SetTrace(*trace || cfg.Interpreter.Trace)

	var prof *vm.Profiler
	if *profileOut != "" || cfg.Interpreter.Profile {
		prof = vm.NewProfiler()
		interp.SetProfiler(prof)
	}

	runErr := interp.Run()

	if prof != nil && *profileOut != "" {
		p := &dump.Profile{File: path, Total: prof.Total(), Opcodes: prof.Counts()}
		if err := dump.WriteProfile(*profileOut, p); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	if *verbose {
		stats := rt.Stats()
		log.Infof("heap: %d live objects, %d collections, %d swept",
			rt.Live(), stats.Collections, stats.SweptTotal)
		if prof != nil {
			log.Infof("dispatched %d instructions", prof.Total())
		}
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "E %v\n", runErr)
		os.Exit(1)
	}
}
