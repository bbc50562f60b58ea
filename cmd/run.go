package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/locks"
)

// Environment exported to the child of lablock run
const (
	EnvLocks  = "LABLOCK_LOCKS"
	EnvHolder = "LABLOCK_HOLDER"
)

// exitInterrupted is the shell convention for a SIGINT-terminated process
const exitInterrupted = 130

type lockFlags struct {
	timeout time.Duration
	user    string
}

func (f *lockFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Maximum time to wait for a held lock (0 fails immediately; default waits for the holder's lease to lapse)")
	cmd.Flags().StringVar(&f.user, "user", "", "User recorded as the lock holder")
}

func newRunCmd() *cobra.Command {
	var (
		names []string
		flags lockFlags
	)

	cmd := &cobra.Command{
		Use:   "run -l NAME [-l NAME...] -- COMMAND [ARGS...]",
		Short: "Run a command while holding locks",
		Long: `Acquire every named lock in order, run the command with the locks kept alive,
and release them when it exits. The exit status mirrors the command's.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := acquireOptions(cmd.Flags().Changed("timeout"), flags.timeout)
			return runLocked(cmd.Context(), names, flags.user, opts, args)
		},
	}
	cmd.Flags().StringArrayVarP(&names, "lock", "l", nil, "Lock to hold (repeatable)")
	_ = cmd.MarkFlagRequired("lock")
	flags.register(cmd)
	return cmd
}

func runLocked(ctx context.Context, names []string, user string, opts []locks.AcquireOption, command []string) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	mgr, err := sess.newManager(user)
	if err != nil {
		return err
	}
	defer sess.releaseAll(mgr)

	stopMetrics := sess.startMetricsListener()
	defer stopMetrics()

	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	defer cancelAcquire()

	// Signals cancel acquisition until the child starts, then go to the child
	var (
		mu          sync.Mutex
		child       *os.Process
		interrupted bool
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				mu.Lock()
				p := child
				interrupted = true
				mu.Unlock()

				if p == nil {
					sess.logger.Info("Interrupted while acquiring locks", zap.String("signal", sig.String()))
					cancelAcquire()
					continue
				}
				sess.logger.Debug("Forwarding signal to command", zap.String("signal", sig.String()))
				_ = p.Signal(sig)
			}
		}
	}()

	for _, name := range names {
		if _, err := mgr.Acquire(acquireCtx, name, opts...); err != nil {
			mu.Lock()
			wasInterrupted := interrupted
			mu.Unlock()
			if wasInterrupted && errors.Is(err, context.Canceled) {
				return &exitCodeError{code: exitInterrupted}
			}
			return err
		}
	}

	c := exec.Command(command[0], command[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = append(os.Environ(),
		EnvLocks+"="+strings.Join(names, ","),
		EnvHolder+"="+mgr.Identity().String())

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", command[0], err)
	}
	mu.Lock()
	child = c.Process
	mu.Unlock()

	sess.logger.Debug("Command started",
		zap.Strings("command", command),
		zap.Int("pid", c.Process.Pid),
		zap.Strings("locks", names))

	return exitStatus(c.Wait())
}

// exitStatus converts the result of Wait into the error lablock exits with.
func exitStatus(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("failed to wait for command: %w", err)
	}

	code := exitErr.ExitCode()
	if code < 0 {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		} else {
			code = 1
		}
	}
	return &exitCodeError{code: code}
}
