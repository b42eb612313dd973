package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/config"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/mcp"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/observability"
	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

// storeProvider opens the session store. Tests inject a mock store through it.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing it.
	Create(ctx context.Context, cfg config.Interface) (store.Store, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the provider that opens the configured database.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (store.Store, func(), error) {
	logger := observability.GetLogger()
	st, err := store.Open(ctx, cfg.Database(), logger)
	if errors.Is(err, store.ErrDisabled) {
		return nil, nil, fmt.Errorf("session history is unavailable: database driver is %q", cfg.Database().Driver)
	}
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close session store.", zap.Error(err))
		}
	}
	return st, cleanup, nil
}

// newHistoryCmd creates the `history` command.
func newHistoryCmd(provider storeProvider) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "history [session]",
		Short: "Show persisted sessions and their audit trail",
		Long: `Without arguments, lists every recorded session in creation order,
including closed ones. With a session name, prints its events in the order
they were recorded. --delete removes the session and all of its events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			if purge && name == "" {
				return errors.New("--delete requires a session name")
			}
			return runHistory(ctx, cmd.OutOrStdout(), observability.GetLogger(), cfg, provider, name, purge)
		},
	}

	cmd.Flags().BoolVar(&purge, "delete", false, "delete the named session and its events")
	return cmd
}

// runHistory contains the core, testable logic of the history command.
func runHistory(
	ctx context.Context,
	out io.Writer,
	logger *zap.Logger,
	cfg config.Interface,
	provider storeProvider,
	name string,
	purge bool,
) error {
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	switch {
	case name == "":
		recs, err := st.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		fmt.Fprintln(out, mcp.FormatHistory(recs))

	case purge:
		if err := st.DeleteSession(ctx, name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("session %q not found in history", name)
			}
			return fmt.Errorf("failed to delete session %q: %w", name, err)
		}
		logger.Info("Deleted session history.", zap.String("session", name))
		fmt.Fprintf(out, "Deleted session '%s' and its events\n", name)

	default:
		rec, err := st.GetSession(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("session %q not found in history", name)
			}
			return fmt.Errorf("failed to load session %q: %w", name, err)
		}
		evs, err := st.ListEvents(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to load events of %q: %w", name, err)
		}
		trail, err := mcp.FormatEventRecords(evs)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, mcp.FormatHistory([]store.SessionRecord{rec}))
		fmt.Fprintln(out)
		fmt.Fprintln(out, trail)
	}
	return nil
}
