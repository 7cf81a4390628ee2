// Command-line interface to the blockflow worker.
// Provides commands to run the worker loop, process single regions,
// enqueue task grids, and serve an inference backend.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/janelia-flyem/blockflow/blockflow"
	"github.com/janelia-flyem/blockflow/inference"
	"github.com/janelia-flyem/blockflow/worker"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to the worker TOML configuration.
	configFile = flag.String("config", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
blockflow processes large volumetric images with a tiled, overlapping-patch transform

Usage: blockflow [options] <command>

      -config     =string   Path to worker TOML configuration file.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	serve                            process tasks from the configured queue
	run     <bbox filename>          process one output region directly
	enqueue <bbox filename> <z,y,x>  enqueue a grid of output regions of the given size
	backend <address>                serve the configured engine over rpc
`

var usage = func() {
	fmt.Printf(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		blockflow.Verbose = true
		blockflow.SetLogMode(blockflow.DebugMode)
	} else {
		blockflow.SetLogMode(blockflow.InfoMode)
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	// Capture ctrl+c and other interrupts for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stopSig
		blockflow.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
		cancel()
	}()

	if err := doCommand(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*worker.Config, error) {
	if *configFile == "" {
		return nil, fmt.Errorf("the -config option must point to a worker TOML file")
	}
	c, err := worker.LoadConfig(*configFile)
	if err != nil {
		return nil, err
	}
	c.Logging.SetLogger()
	return c, nil
}

// doCommand serves as a switchboard for commands.
func doCommand(ctx context.Context, args []string) error {
	switch args[0] {
	case "about":
		fmt.Printf("Inference frameworks: %s\n", strings.Join(inference.Frameworks(), ", "))
		return nil
	case "serve":
		c, err := loadConfig()
		if err != nil {
			return err
		}
		return worker.Run(ctx, c)
	case "run":
		return doRun(ctx, args)
	case "enqueue":
		return doEnqueue(ctx, args)
	case "backend":
		return doBackend(ctx, args)
	}
	return fmt.Errorf("unknown command: %q", args[0])
}

// doRun processes one output region directly, without a task queue.
func doRun(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("run command must be followed by a bounding box filename")
	}
	outBox, err := blockflow.ParseBboxFilename(args[1])
	if err != nil {
		return err
	}
	c, err := loadConfig()
	if err != nil {
		return err
	}
	exec, err := worker.Setup(ctx, c)
	if err != nil {
		return err
	}
	return exec.Run(ctx, outBox)
}

// doEnqueue plans a grid of output regions over a bounding box and sends
// one task per region.
func doEnqueue(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("enqueue command needs a bounding box filename and a region size like 20,256,256")
	}
	box, err := blockflow.ParseBboxFilename(args[1])
	if err != nil {
		return err
	}
	regionSize, err := blockflow.StringToPoint3d(args[2], ",")
	if err != nil {
		return err
	}
	c, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := worker.EnqueueGrid(ctx, c, box, regionSize)
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued %d tasks covering %s.\n", n, box)
	return nil
}

// doBackend serves the configured engine to remote workers.
func doBackend(ctx context.Context, args []string) error {
	address := inference.DefaultAddress
	if len(args) >= 2 {
		address = args[1]
	}
	c, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := inference.NewEngine(inference.Config{
		Framework: c.Inference.Framework,
		Channels:  c.Inference.Channels,
		Address:   c.Inference.Address,
		PatchSize: c.Inference.Patch,
		Overlap:   c.Inference.Overlap,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Serving %q engine at %s...\n", c.Inference.Framework, address)
	return inference.Serve(address, engine)
}
