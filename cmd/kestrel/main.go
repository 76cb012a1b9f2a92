// Kestrel CLI - runs program images from the local image store.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kestrel/image"
	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/vm"
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0..2)")
	checkMemory := flag.Bool("check-memory", false, "Run cycle detection after execution")
	disasm := flag.Bool("disasm", false, "Disassemble the image instead of running it")
	list := flag.Bool("list", false, "List stored images")
	storePath := flag.String("store", "", "Image store path (overrides manifest)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kestrel [options] [image-name]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Kestrel image from the project's image store.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kestrel main               # Run the image named 'main'\n")
		fmt.Fprintf(os.Stderr, "  kestrel -disasm main       # Show its bytecode\n")
		fmt.Fprintf(os.Stderr, "  kestrel -list              # List stored images\n")
		fmt.Fprintf(os.Stderr, "  kestrel -check-memory main # Run, then scan for cycles\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	log := commonlog.GetLogger("kestrel.cli")

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fail("manifest: %v", err)
	}

	path := *storePath
	if path == "" {
		if m != nil {
			path = m.StorePath()
		} else {
			path = "kestrel.db"
		}
	}
	store, err := image.OpenStore(path)
	if err != nil {
		fail("%v", err)
	}
	defer store.Close()

	if *list {
		infos, err := store.ListImages()
		if err != nil {
			fail("%v", err)
		}
		for _, info := range infos {
			fmt.Printf("%-24s %s  %s\n", info.Name, info.ID, info.CreatedAt.Format(time.RFC3339))
		}
		return
	}

	name := flag.Arg(0)
	if name == "" {
		if m != nil && m.Image.Entry != "" {
			name = m.Image.Entry
		} else {
			flag.Usage()
			os.Exit(2)
		}
	}

	prog, err := store.LoadImage(name)
	if err != nil {
		if errors.Is(err, image.ErrImageNotFound) {
			fail("no image named %q in %s", name, path)
		}
		fail("%v", err)
	}

	if *disasm {
		fmt.Print(vm.Disassemble(prog.Bytecode))
		return
	}

	cfg := vm.DefaultConfig()
	gcInterval := vm.DefaultGCInterval
	if m != nil {
		if m.Runtime.InitialStackSlots > 0 {
			cfg.InitialStackSlots = m.Runtime.InitialStackSlots
		}
		if m.Runtime.InitialHeapPages > 0 {
			cfg.InitialHeapPages = m.Runtime.InitialHeapPages
		}
		cfg.TrackOpCounts = m.Runtime.TrackOpCounts
		if m.Runtime.RegistryGCIntervalSec > 0 {
			gcInterval = time.Duration(m.Runtime.RegistryGCIntervalSec) * time.Second
		}
	}

	v := vm.NewVM(cfg)
	gc := vm.NewRegistryGC(v, gcInterval)
	gc.Start()
	defer gc.Stop()

	v.LoadProgram(prog)
	result, err := v.Eval()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !result.IsNone() {
		fmt.Println(v.ValueToString(result))
	}

	if *checkMemory {
		if ok := v.CheckMemory(); !ok {
			log.Warningf("reference cycles detected and reclaimed: %d root(s)", len(v.CycleRoots()))
		}
		if rc := v.GlobalRC(); rc != 0 {
			log.Infof("global rc after execution: %d", rc)
		}
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "kestrel: "+format+"\n", args...)
	os.Exit(1)
}
