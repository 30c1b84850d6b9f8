package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/guardapi/guard/internal/models"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	var (
		userID string
		name   string
	)

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "owner user ID")

	// withKeys opens the key store, runs fn and prints its result as JSON
	withKeys := func(fn func(ctx context.Context, a *app, args []string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := connect(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.buildKeys()

			out, err := fn(cmd.Context(), a, args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
	}

	namePtr := func(cmd *cobra.Command) *string {
		if !cmd.Flags().Changed("name") {
			return nil
		}
		return &name
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new key; the secret is printed once",
	}
	create.RunE = withKeys(func(ctx context.Context, a *app, _ []string) (any, error) {
		return a.keys.Create(ctx, userID, namePtr(create))
	})
	create.Flags().StringVar(&name, "name", "", "key name")

	rotate := &cobra.Command{
		Use:   "rotate KID",
		Short: "Replace a key's secret",
		Args:  cobra.ExactArgs(1),
	}
	rotate.RunE = withKeys(func(ctx context.Context, a *app, args []string) (any, error) {
		return a.keys.Rotate(ctx, args[0], userID, namePtr(rotate))
	})
	rotate.Flags().StringVar(&name, "name", "", "new key name")

	disable := &cobra.Command{
		Use:   "disable KID",
		Short: "Permanently disable a key",
		Args:  cobra.ExactArgs(1),
		RunE: withKeys(func(ctx context.Context, a *app, args []string) (any, error) {
			if err := a.keys.Disable(ctx, args[0], userID); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "kid": args[0]}, nil
		}),
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List an owner's keys",
		RunE: withKeys(func(ctx context.Context, a *app, _ []string) (any, error) {
			keys, err := a.keys.List(ctx, userID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"keys": keys, "total": len(keys)}, nil
		}),
	}

	plan := &cobra.Command{
		Use:   "plan KID PLAN",
		Short: "Move a key to another plan",
		Args:  cobra.ExactArgs(2),
		RunE: withKeys(func(ctx context.Context, a *app, args []string) (any, error) {
			p, ok := models.ParsePlanName(args[1])
			if !ok {
				return nil, fmt.Errorf("unknown plan %q", args[1])
			}
			if err := a.keys.SetPlan(ctx, args[0], p); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "kid": args[0], "plan": p}, nil
		}),
	}

	cmd.AddCommand(create, rotate, disable, list, plan)
	return cmd
}
