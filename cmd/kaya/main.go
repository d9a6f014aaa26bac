package main

import (
	"flag"
	"log"
	"os"
	"runtime/pprof"

	"github.com/hailam/kaya/internal/shell"
	"github.com/hailam/kaya/internal/storage"
)

var (
	dbDir      = flag.String("db", "", "model database directory (default: user data dir, or KAYA_DB)")
	modelName  = flag.String("model", "", "model to load at startup (default: last loaded)")
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
	verbose    = flag.Bool("verbose", false, "log database internals")
)

func main() {
	flag.Parse()

	// Start CPU profiling if requested (via flag or environment variable)
	profilePath := *cpuprofile
	if profilePath == "" {
		profilePath = os.Getenv("CPUPROFILE")
	}
	if profilePath != "" {
		f, err := os.Create(profilePath)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
		log.Printf("CPU profiling enabled, writing to %s", profilePath)
	}

	opts := storage.Options{Dir: *dbDir}
	if opts.Dir == "" {
		opts.Dir = os.Getenv("KAYA_DB")
	}
	if *verbose {
		opts.Logger = storage.StdLogger(log.Default())
	}
	store, err := storage.Open(opts)
	if err != nil {
		log.Fatal("could not open model database: ", err)
	}
	defer store.Close()

	protocol := shell.New(store, os.Stdout)
	autoLoad(store, protocol)

	if err := protocol.Run(os.Stdin); err != nil {
		log.Printf("input error: %v", err)
	}
}

// autoLoad builds the -model flag's model, or the one loaded last session.
func autoLoad(store *storage.Storage, protocol *shell.Shell) {
	name := *modelName
	if name == "" {
		prefs, err := store.LoadPreferences()
		if err != nil {
			log.Printf("Warning: preferences not loaded: %v", err)
			return
		}
		name = prefs.DefaultModel
	}
	if name == "" {
		return
	}
	if err := protocol.Load(name); err != nil {
		log.Printf("Warning: model %s not loaded: %v", name, err)
		return
	}
	log.Printf("Model %s loaded", name)
}
