package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/locks"
)

func newHoldCmd() *cobra.Command {
	var flags lockFlags

	cmd := &cobra.Command{
		Use:   "hold NAME...",
		Short: "Acquire locks and keep them until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			mgr, err := sess.newManager(flags.user)
			if err != nil {
				return err
			}
			defer sess.releaseAll(mgr)

			stopMetrics := sess.startMetricsListener()
			defer stopMetrics()

			opts := acquireOptions(cmd.Flags().Changed("timeout"), flags.timeout)
			for _, name := range args {
				if _, err := mgr.Acquire(ctx, name, opts...); err != nil {
					if ctx.Err() != nil {
						return &exitCodeError{code: exitInterrupted}
					}
					return err
				}
			}

			printf("Holding %s as %s. Press Ctrl-C to release.\n", strings.Join(args, ", "), mgr.Identity())
			<-ctx.Done()
			sess.logger.Info("Releasing held locks", zap.Strings("locks", args))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME...",
		Short: "Show who holds the named locks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			mgr, err := sess.newManager("")
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOLDER\tEXPIRES IN")
			for _, name := range args {
				entry, err := mgr.Inspect(ctx, name)
				switch {
				case errors.Is(err, coordination.ErrNotFound):
					fmt.Fprintf(w, "%s\t-\t-\n", name)
				case err != nil:
					_ = w.Flush()
					return fmt.Errorf("failed to inspect %s: %w", name, err)
				default:
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, entry.Value, entry.TTL.Round(time.Second))
				}
			}
			return w.Flush()
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every lock in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			lister, ok := sess.store.(coordination.Lister)
			if !ok {
				return fmt.Errorf("store type %s cannot list entries: %w", sess.cfg.Store.Type, coordination.ErrNotSupported)
			}

			namespace := sess.cfg.Lock.Namespace
			entries, err := lister.List(ctx, strings.TrimRight(namespace, "/")+"/")
			if err != nil {
				return fmt.Errorf("failed to list locks: %w", err)
			}

			if len(entries) == 0 {
				printf("No locks held under %s\n", namespace)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOLDER\tEXPIRES IN")
			for _, e := range entries {
				name, ok := locks.NameFromKey(namespace, e.Key)
				if !ok {
					name = e.Key
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, e.Value, e.TTL.Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func newReleaseCmd() *cobra.Command {
	var (
		force bool
		user  string
	)

	cmd := &cobra.Command{
		Use:   "release NAME...",
		Short: "Remove locks left behind by a session that did not exit cleanly",
		Long: `Remove the named locks from the coordination store. Without --force a lock is
only removed while it is held by this user on this host; --force removes it
whoever holds it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			mgr, err := sess.newManager(user)
			if err != nil {
				return err
			}

			var errs []error
			for _, name := range args {
				if err := releaseStale(ctx, sess, mgr, name, force); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Remove the lock whoever holds it")
	cmd.Flags().StringVar(&user, "user", "", "User the lock was taken as")
	return cmd
}

// releaseStale deletes the remote entry for name directly, bypassing the
// session registry that only knows locks acquired by this process.
func releaseStale(ctx context.Context, sess *session, mgr *locks.Manager, name string, force bool) error {
	key := mgr.Key(name)
	holder := mgr.Identity().String()

	var err error
	if force {
		err = sess.store.Delete(ctx, key)
	} else {
		err = sess.store.CompareAndDelete(ctx, key, holder)
	}

	switch {
	case err == nil:
		sess.logger.Info("Lock removed",
			zap.String("name", name),
			zap.String("key", key),
			zap.Bool("force", force))
		printf("Released %s\n", name)
		return nil
	case errors.Is(err, coordination.ErrNotFound):
		printf("%s is not locked\n", name)
		return nil
	case errors.Is(err, coordination.ErrValueMismatch):
		return fmt.Errorf("%s is held by another user or host, use --force to remove it", name)
	default:
		return fmt.Errorf("failed to release %s: %w", name, err)
	}
}
