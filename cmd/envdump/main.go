package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/evanphx/mosenv/kernel"
	clog "github.com/evanphx/mosenv/log"
	"github.com/evanphx/mosenv/loader"
)

var (
	fTar      = pflag.BoolP("tar", "t", false, "arguments are tar bundles of ELF images")
	fPages    = pflag.IntP("pages", "p", kernel.DefaultConfig().Pages, "physical pages to manage")
	fPriority = pflag.Int("priority", 1, "priority of the created environments")
	fLogLevel = pflag.String("log-level", "warn", "log level")
)

func main() {
	pflag.Parse()

	clog.EnableDebug(*fLogLevel)

	if pflag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: envdump [flags] <elf|tar>...\n")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	cfg := kernel.DefaultConfig()
	cfg.Pages = *fPages

	k, err := kernel.NewKernel(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ld := loader.NewLoader(loader.NewLoaderCache())

	progs, err := load(ld, pflag.Args())
	if err != nil {
		log.Fatal(err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "[programs]\n")

	for _, prog := range progs {
		id, err := k.CreateEnv(prog, *fPriority)
		if err != nil {
			log.Fatalf("creating env for %s: %s", prog.Name, err)
		}

		fmt.Fprintf(tw, "%s\t%s\tentry=%08x\tsegments=%d\tsize=%x\n",
			id, prog.Name, prog.Entry, len(prog.Segments), prog.Size())
	}

	tw.Flush()

	fmt.Printf("\n")
	k.Dump(os.Stdout)
}

func load(ld *loader.Loader, paths []string) ([]*loader.Program, error) {
	var progs []*loader.Program

	for _, path := range paths {
		if !*fTar {
			prog, err := ld.LoadFile(path)
			if err != nil {
				return nil, err
			}

			named := *prog
			named.Name = path

			progs = append(progs, &named)
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		bundle, err := ld.LoadTar(f)
		f.Close()
		if err != nil {
			return nil, err
		}

		var names []string
		for name := range bundle {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			progs = append(progs, bundle[name])
		}
	}

	return progs, nil
}
