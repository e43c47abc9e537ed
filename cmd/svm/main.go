// svm: register-based bytecode virtual machine.
//
// The svm tool assembles, inspects, and executes bytecode programs, and can
// serve the machine over JSON-RPC:
//
//	svm run prog.raw          execute a program
//	svm asm prog.in           assemble source into bytecode
//	svm disasm prog.raw       print a disassembly listing
//	svm serve                 start the JSON-RPC server
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/svmkit/svm/pkg/asm"
	"github.com/svmkit/svm/pkg/program"
	"github.com/svmkit/svm/pkg/rpc"
	"github.com/svmkit/svm/pkg/runlog"
	"github.com/svmkit/svm/pkg/store"
	"github.com/svmkit/svm/pkg/svm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	dataDir       = flag.String("data-dir", "", "Data directory for the program store and run log (empty = no persistence)")
	trace         = flag.Bool("trace", false, "Log every instruction before executing it")
	dumpRegisters = flag.Bool("dump-registers", false, "Print the register file after a run")
	noSystem      = flag.Bool("no-system", false, "Disable the system instruction")
	outFile       = flag.String("out", "", "Output file for asm (default: input with .raw extension)")
	container     = flag.Bool("container", false, "Write assembled output as a container file")
	label         = flag.String("label", "", "Label to attach when storing a program")
	rpcAddr       = flag.String("rpc-addr", ":7799", "RPC server listen address")
	logRequests   = flag.Bool("log-requests", false, "Log RPC requests")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <run|asm|disasm|serve> [file]\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("svm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "run":
		err = cmdRun(args[1:])
	case "asm":
		err = cmdAsm(args[1:])
	case "disasm":
		err = cmdDisasm(args[1:])
	case "serve":
		err = cmdServe()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "svm: %v\n", err)
		os.Exit(1)
	}
}

// systemSpawner executes a program's system commands through the shell.
func systemSpawner(command string) error {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// cmdRun executes a bytecode file.
func cmdRun(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("run takes exactly one program file")
	}

	p, err := program.LoadFile(args[0])
	if err != nil {
		return err
	}

	m, err := svm.New(p.Code)
	if err != nil {
		return err
	}
	m.SetTrace(*trace)
	if !*noSystem {
		m.SetSpawnFunc(systemSpawner)
	}

	var runErr string
	m.SetErrorHandler(func(msg string) {
		runErr = msg
	})

	started := time.Now().UTC()
	m.Run()
	duration := time.Since(started)

	if *dumpRegisters {
		m.DumpRegisters(os.Stderr)
	}

	if err := recordRun(p, m, runErr, started, duration); err != nil {
		return err
	}

	if runErr != "" {
		return fmt.Errorf("%s", runErr)
	}
	return nil
}

// recordRun appends the run to the persistent log when a data directory is
// configured. Output is not captured here: the program already wrote it to
// stdout directly.
func recordRun(p *program.Program, m *svm.Machine, runErr string, started time.Time, duration time.Duration) error {
	if *dataDir == "" {
		return nil
	}

	programs, runs, err := openData(*dataDir)
	if err != nil {
		return err
	}
	defer programs.Close()
	defer runs.Close()

	if _, err := programs.Put(p, *label); err != nil {
		return fmt.Errorf("store program: %w", err)
	}

	rec := &runlog.Record{
		ProgramID: p.ID,
		StartedAt: started,
		Duration:  duration,
		Status:    runlog.StatusOK,
	}
	rec.CaptureMachine(m)
	if runErr != "" {
		rec.Status = runlog.StatusError
		rec.Error = runErr
	}

	seq, err := runs.Append(rec)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	log.Printf("recorded run %d for program %s", seq, p.ID)
	return nil
}

// cmdAsm assembles a source file into bytecode.
func cmdAsm(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("asm takes exactly one source file")
	}

	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	code, err := asm.Assemble(string(src))
	if err != nil {
		return err
	}

	p, err := program.FromCode(code)
	if err != nil {
		return err
	}

	out := *outFile
	if out == "" {
		base := strings.TrimSuffix(args[0], filepath.Ext(args[0]))
		if *container {
			out = base + ".svm"
		} else {
			out = base + ".raw"
		}
	}

	if *container {
		if err := p.WriteFile(out); err != nil {
			return err
		}
	} else {
		if err := os.WriteFile(out, code, 0o644); err != nil {
			return err
		}
	}

	log.Printf("assembled %d bytes to %s (program %s)", len(code), out, p.ID)

	if *dataDir != "" {
		programs, runs, err := openData(*dataDir)
		if err != nil {
			return err
		}
		defer programs.Close()
		defer runs.Close()
		if _, err := programs.Put(p, *label); err != nil {
			return fmt.Errorf("store program: %w", err)
		}
	}
	return nil
}

// cmdDisasm prints a disassembly listing of a program file.
func cmdDisasm(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("disasm takes exactly one program file")
	}

	p, err := program.LoadFile(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("; program %s (%d bytes)\n", p.ID, len(p.Code))
	fmt.Print(asm.Disassemble(p.Code))
	return nil
}

// cmdServe runs the JSON-RPC server until interrupted.
func cmdServe() error {
	dir := *dataDir
	if dir == "" {
		dir = "./svm-data"
	}

	programs, runs, err := openData(dir)
	if err != nil {
		return err
	}
	defer programs.Close()
	defer runs.Close()

	cfg := rpc.DefaultConfig()
	cfg.Addr = *rpcAddr
	cfg.LogRequests = *logRequests
	cfg.Version = Version

	var spawn svm.SpawnFunc
	if !*noSystem {
		spawn = systemSpawner
	}
	server := rpc.New(cfg, programs, runs, spawn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	log.Printf("Starting svm %s, RPC on %s, data in %s", Version, cfg.Addr, dir)
	return server.Start(ctx)
}

// openData opens the program store and run log under a data directory.
func openData(dir string) (*store.Store, *runlog.Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}

	programs, err := store.Open(store.DefaultConfig(filepath.Join(dir, "programs.db")))
	if err != nil {
		return nil, nil, fmt.Errorf("open program store: %w", err)
	}

	runs, err := runlog.Open(runlog.DefaultConfig(filepath.Join(dir, "runs")))
	if err != nil {
		programs.Close()
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}

	return programs, runs, nil
}
