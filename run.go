package main

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	shim "github.com/stealthrocket/sockshim/internal/imports"
	"github.com/stealthrocket/wasi-go"
	"github.com/stealthrocket/wasi-go/imports"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/errgroup"
)

const runUsage = `
Usage:	sockshim run [options] [--] <module> [args...]

Options:
   -c, --config path     Path to the sockshim configuration file (overrides SOCKSHIMCONFIG)
   -D, --dial addr       Permit outbound connections to the specified address
       --dir dir         Expose a directory to the guest module
   -e, --env name=value  Pass an environment variable to the guest module
   -h, --help            Show this usage information
   -L, --listen addr     Permit listening sockets on the specified address
   -N, --network kind    Network backend, either virtual or host (defaults to the configuration)
       --restrict        Do not automatically expose the environment and root directory to the guest module
   -T, --trace           Enable strace-like logging of host function calls
`

func run(ctx context.Context, args []string) error {
	var (
		envs     stringList
		listens  stringList
		dials    stringList
		dirs     stringList
		network  backend
		restrict = false
		trace    = false
	)

	flagSet := newFlagSet("sockshim run", runUsage)
	customVar(flagSet, &envs, "e", "env")
	customVar(flagSet, &listens, "L", "listen")
	customVar(flagSet, &dials, "D", "dial")
	customVar(flagSet, &dirs, "dir")
	customVar(flagSet, &network, "N", "network")
	boolVar(flagSet, &trace, "T", "trace")
	boolVar(flagSet, &restrict, "restrict")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if !restrict {
		envs = append(os.Environ(), envs...)
	}
	args = flagSet.Args()
	if len(args) == 0 {
		return errors.New(`missing "--" separator before the module path`)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	if network != "" {
		config.Network.Backend = network
	}

	system, err := config.createSystem(listens, dials)
	if err != nil {
		return err
	}

	wasmPath := args[0]
	wasmName := filepath.Base(wasmPath)
	wasmCode, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("could not read wasm file '%s': %w", wasmPath, err)
	}

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	wasmModule, err := runtime.CompileModule(ctx, wasmCode)
	if err != nil {
		return err
	}
	defer wasmModule.Close(ctx)

	// When running from testable examples, the standard streams are not set
	// to alternative files and the fd numbers are not 0, 1, 2.
	stdin := int(os.Stdin.Fd())
	stdout := int(os.Stdout.Fd())
	stderr := int(os.Stderr.Fd())

	if !restrict {
		dirs = append([]string{"/"}, dirs...)
	}

	builder := imports.NewBuilder().
		WithName(wasmName).
		WithArgs(args[1:]...).
		WithEnv(envs...).
		WithDirs(dirs...).
		WithStdio(stdin, stdout, stderr)

	if trace {
		builder = builder.WithWrappers(func(s wasi.System) wasi.System {
			return wasi.Trace(os.Stderr, s)
		})
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wasiSystem wasi.System
	ctx, wasiSystem, err = builder.Instantiate(ctx, runtime)
	if err != nil {
		return err
	}
	defer wasiSystem.Close(ctx)

	guest := new(guestRef)
	clones := list.New()

	ctx, err = shim.Instantiate(ctx, runtime,
		shim.WithSystem(system),
		shim.WithRuntime(runtime),
		shim.WithForkTarget(wasmModule, guest.load),
		shim.WithClones(clones),
	)
	if err != nil {
		return err
	}

	if err := instantiate(ctx, runtime, wasmModule, guest); err != nil {
		return err
	}
	return runForks(ctx, clones)
}

// guestRef gives the fork implementation access to the running module
// instance, which does not exist yet at host module instantiation time.
type guestRef struct{ module atomic.Value }

func (g *guestRef) store(m api.Module) { g.module.Store(m) }

func (g *guestRef) load() api.Module {
	m, _ := g.module.Load().(api.Module)
	return m
}

func instantiate(ctx context.Context, runtime wazero.Runtime, compiledModule wazero.CompiledModule, guest *guestRef) error {
	module, err := runtime.InstantiateModule(ctx, compiledModule, wazero.NewModuleConfig().
		WithStartFunctions())
	if err != nil {
		return err
	}
	defer module.Close(ctx)
	guest.store(module)

	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		_, err := module.ExportedFunction("_start").Call(ctx)
		module.Close(ctx)
		cancel(err)
	}()

	<-ctx.Done()

	err = context.Cause(ctx)
	switch err {
	case context.Canceled, context.DeadlineExceeded:
		err = nil
	}

	switch e := err.(type) {
	case *sys.ExitError:
		if rc := e.ExitCode(); rc != 0 {
			return exitCode(rc)
		}
		err = nil
	}

	return err
}

// runForks schedules the guest instances duplicated by fork. Each duplicate
// carries a copy of its parent's memory and resumes in its own execution
// context at the _fork_child export; duplicates without the export are
// discarded. A duplicate may fork again while its batch runs, so the clone
// list is drained in rounds: the list is only read between rounds, when no
// guest is executing.
func runForks(ctx context.Context, clones *list.List) error {
	for clones.Len() > 0 {
		batch := make([]shim.Forked, 0, clones.Len())
		for clones.Len() > 0 {
			e := clones.Front()
			clones.Remove(e)
			batch = append(batch, e.Value.(shim.Forked))
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, forked := range batch {
			module := forked.Module
			entry := module.ExportedFunction("_fork_child")
			if entry == nil {
				_ = module.Close(ctx)
				continue
			}
			g.Go(func() error {
				defer module.Close(gctx)
				_, err := entry.Call(gctx)
				if e, ok := err.(*sys.ExitError); ok && e.ExitCode() == 0 {
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
