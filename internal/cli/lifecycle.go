// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.client.Health(ctx(cmd))
			if err != nil {
				return err
			}
			return a.printer(cmd).PrintHealth(h)
		},
	}
}

func (a *app) stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "state",
		Aliases: []string{"test"},
		Short:   "Show the lock state of your user",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.client.Test(ctx(cmd))
			return a.finish(cmd, "test", code, err)
		},
	}
}

func (a *app) passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Set the password, initializing the user or changing it while unlocked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := password(cmd)
			if err != nil {
				return err
			}
			code, err := a.client.SetPassword(ctx(cmd), pw)
			return a.finish(cmd, "password", code, err)
		},
	}
	cmd.Flags().String("password", "", "new password (prompted when empty)")
	return cmd
}

func (a *app) lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock your user, discarding the master key from memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.client.Lock(ctx(cmd))
			return a.finish(cmd, "lock", code, err)
		},
	}
}

func (a *app) unlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock your user",
		Long: `Unlock your user with its password. Each wrong password uses up one
retry; when none remain the user is reset and every key is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := password(cmd)
			if err != nil {
				return err
			}
			code, err := a.client.Unlock(ctx(cmd), pw)
			if err == nil && code.IsWrongPassword() {
				a.verbose(cmd, "%d retries remaining", code.RetriesRemaining())
			}
			return a.finish(cmd, "unlock", code, err)
		},
	}
	cmd.Flags().String("password", "", "password (prompted when empty)")
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every key of your user and return it to uninitialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("reset deletes all keys; pass --yes to confirm")
			}
			code, err := a.client.Reset(ctx(cmd))
			return a.finish(cmd, "reset", code, err)
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the reset")
	return cmd
}

func (a *app) emptyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "empty",
		Short: "Report whether you own any keys (KEY_NOT_FOUND when none)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.client.IsEmpty(ctx(cmd))
			return a.finish(cmd, "zero", code, err)
		},
	}
}

func (a *app) clearUIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-uid UID",
		Short: "Delete every key owned by UID (-1 for yourself)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid uid %q: %w", args[0], err)
			}
			code, err := a.client.ClearUID(ctx(cmd), uid)
			return a.finish(cmd, "clear_uid", code, err)
		},
	}
}
