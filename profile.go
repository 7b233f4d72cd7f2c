package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// stopProfiling writes pending profiles, set by startProfiling.
var stopProfiling = func() {}

// exit stops profiling and exits with code.
func exit(code int) {
	stopProfiling()
	os.Exit(code)
}

func writeMemProfile(path string) {
	f, err := os.Create(path)
	xcheckf(err, "creating memory profile")
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("closing memory profile: %v", err)
		}
	}()
	runtime.GC() // get up-to-date statistics
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
}

// startProfiling starts a cpu profile and execution trace for the non-empty
// paths. The memory profile is written when profiling stops.
func startProfiling(cpupath, mempath, tracepath string) {
	var stops []func()
	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "start cpu profile")
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			if err := f.Close(); err != nil {
				log.Printf("closing cpu profile: %v", err)
			}
		})
	}
	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "create trace file")
		err = trace.Start(f)
		xcheckf(err, "start trace")
		stops = append(stops, func() {
			trace.Stop()
			if err := f.Close(); err != nil {
				log.Printf("closing trace file: %v", err)
			}
		})
	}
	if mempath != "" {
		stops = append(stops, func() { writeMemProfile(mempath) })
	}
	stopProfiling = func() {
		for _, fn := range stops {
			fn()
		}
		stops = nil
	}
}
