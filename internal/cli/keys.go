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

	"github.com/jeremyhahn/go-keystore/pkg/client"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, code, err := a.client.Get(ctx(cmd), []byte(args[0]))
			if err != nil {
				return err
			}
			if code != types.NoError {
				return a.failed(cmd, "get", code)
			}
			return a.printer(cmd).PrintValue(value)
		},
	}
}

func (a *app) insertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert NAME [VALUE]",
		Short: "Store a value",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if len(args) == 1 && file == "" {
				return fmt.Errorf("a value or --file is required")
			}
			var literal string
			if len(args) == 2 {
				literal = args[1]
			}
			value, err := readInput(cmd, literal, file)
			if err != nil {
				return err
			}
			code, err := a.client.Insert(ctx(cmd), []byte(args[0]), value, uidFlag(cmd), flagsFlag(cmd))
			return a.finish(cmd, "insert", code, err)
		},
	}
	cmd.Flags().String("file", "", "read the value from a file (- for stdin)")
	addUIDFlag(cmd)
	addEncryptedFlag(cmd)
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.client.Delete(ctx(cmd), []byte(args[0]), uidFlag(cmd))
			return a.finish(cmd, "delete", code, err)
		},
	}
	addUIDFlag(cmd)
	return cmd
}

func (a *app) existsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exists NAME",
		Short: "Check whether a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.client.Exists(ctx(cmd), []byte(args[0]), uidFlag(cmd))
			return a.finish(cmd, "exist", code, err)
		},
	}
	addUIDFlag(cmd)
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List key names, with PREFIX removed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefix []byte
			if len(args) == 1 {
				prefix = []byte(args[0])
			}
			names, code, err := a.client.List(ctx(cmd), prefix, uidFlag(cmd))
			if err != nil {
				return err
			}
			if code != types.NoError {
				return a.failed(cmd, "saw", code)
			}
			return a.printer(cmd).PrintNames(names)
		},
	}
	addUIDFlag(cmd)
	return cmd
}

func (a *app) mtimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mtime NAME",
		Short: "Print when a key was last written",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mtime, code, err := a.client.ModTime(ctx(cmd), []byte(args[0]))
			if err != nil {
				return err
			}
			if code != types.NoError {
				return a.failed(cmd, "getmtime", code)
			}
			return a.printer(cmd).PrintModTime(mtime)
		},
	}
}

func (a *app) duplicateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicate SRC DEST",
		Short: "Copy a key to a new name, optionally into a uid you are granted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srcUID, _ := cmd.Flags().GetInt64("src-uid")
			dstUID, _ := cmd.Flags().GetInt64("dest-uid")
			code, err := a.client.Duplicate(ctx(cmd), []byte(args[0]), srcUID, []byte(args[1]), dstUID)
			return a.finish(cmd, "duplicate", code, err)
		},
	}
	cmd.Flags().Int64("src-uid", client.SelfUID, "uid owning SRC")
	cmd.Flags().Int64("dest-uid", client.SelfUID, "uid receiving DEST")
	return cmd
}

func (a *app) grantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant NAME GRANTEE_UID",
		Short: "Let another uid read one of your keys",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			grantee, err := parseUID(args[1])
			if err != nil {
				return err
			}
			code, err := a.client.Grant(ctx(cmd), []byte(args[0]), grantee)
			return a.finish(cmd, "grant", code, err)
		},
	}
}

func (a *app) ungrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ungrant NAME GRANTEE_UID",
		Short: "Revoke a grant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			grantee, err := parseUID(args[1])
			if err != nil {
				return err
			}
			code, err := a.client.Ungrant(ctx(cmd), []byte(args[0]), grantee)
			return a.finish(cmd, "ungrant", code, err)
		},
	}
}

func parseUID(s string) (uint32, error) {
	uid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uid %q: %w", s, err)
	}
	return uint32(uid), nil
}
