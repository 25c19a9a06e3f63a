// Package profilers implements helper functions to set up profiling for the
// zerofleet binaries.
//
// If linked, it installs the profiler flags. It only supports debugging and
// otherwise adds no functionality.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/pprof"

	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the HTTP profiler at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write a CPU profile to `file`.")

	globalCtx context.Context
)

// Setup starts the HTTP (flag -prof) and CPU (flag -cpu_profile) profilers
// if they were configured. Follow with a deferred call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		addr := fmt.Sprintf("localhost:%d", *flagProfiler)
		klog.Infof("profiler listening on http://%s/debug/pprof", addr)
		go func() {
			klog.Fatal(http.ListenAndServe(addr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			klog.Fatalf("could not create CPU profile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			klog.Fatalf("could not start CPU profile: %v", err)
		}
	}
}

// OnQuit stops the CPU profile and, when the HTTP profiler is up, keeps the
// process alive until interrupted so the profile stays reachable.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagProfiler < 0 || globalCtx == nil || globalCtx.Err() != nil {
		return
	}
	klog.Info("program finished; profiler kept alive, interrupt (Ctrl+C) to exit")
	<-globalCtx.Done()
}
