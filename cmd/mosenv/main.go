package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"sort"

	"github.com/spf13/pflag"

	"github.com/evanphx/mosenv/device"
	"github.com/evanphx/mosenv/kernel"
	clog "github.com/evanphx/mosenv/log"
	"github.com/evanphx/mosenv/user"
)

var (
	fPages    = pflag.IntP("pages", "p", kernel.DefaultConfig().Pages, "physical pages to manage")
	fTimer    = pflag.IntP("timer", "t", user.DefaultConfig().TimerInterval, "syscalls between timer interrupts, 0 disables preemption")
	fDisk     = pflag.StringP("disk", "d", "", "file backing IDE disk 0")
	fInput    = pflag.StringP("input", "i", "", "bytes queued on the console")
	fLogLevel = pflag.String("log-level", "info", "log level")
	fDump     = pflag.Bool("dump", false, "dump the environment table when the machine stops")
)

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mosenv [flags] <demo>\n\ndemos:\n")
		for _, name := range demoNames() {
			fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, demos[name].desc)
		}
		fmt.Fprintf(os.Stderr, "\nflags:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	clog.EnableDebug(*fLogLevel)

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	demo, ok := demos[pflag.Arg(0)]
	if !ok {
		log.Fatalf("unknown demo: %s", pflag.Arg(0))
	}

	console := device.NewConsole(device.NewHostConsole(int(os.Stdout.Fd())))
	console.Feed([]byte(*fInput))

	var disk *device.Disk
	if *fDisk != "" {
		f, err := os.OpenFile(*fDisk, os.O_RDWR, 0)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()

		disk = device.NewDisk(f)
	}

	cfg := kernel.DefaultConfig()
	cfg.Pages = *fPages
	cfg.Bus = device.NewBus(console, disk)

	k, err := kernel.NewKernel(cfg)
	if err != nil {
		log.Fatal(err)
	}

	mcfg := user.DefaultConfig()
	mcfg.TimerInterval = *fTimer

	m := user.NewMachine(k, mcfg)

	if _, err := m.Spawn(pflag.Arg(0), demo.main, 1); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = m.Run(ctx)

	if *fDump {
		k.Dump(os.Stderr)
	}

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}
}

func demoNames() []string {
	var names []string
	for name := range demos {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
