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
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/types"
)

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent requests answered by the daemon",
		Long: `Show the most recent requests the daemon answered, newest first.
Only root and the uid the daemon runs as may read the audit log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := &audit.Query{}
			q.Operation, _ = cmd.Flags().GetString("operation")
			outcome, _ := cmd.Flags().GetString("outcome")
			q.Outcome = audit.Outcome(outcome)
			q.Limit, _ = cmd.Flags().GetInt("limit")
			if raw, _ := cmd.Flags().GetString("caller"); raw != "" {
				uid, err := parseUID(raw)
				if err != nil {
					return err
				}
				q.Caller = &uid
			}

			events, code, err := a.client.AuditEvents(ctx(cmd), q)
			if err != nil {
				return err
			}
			if code != types.NoError {
				return a.failed(cmd, "audit", code)
			}
			return a.printer(cmd).PrintAuditEvents(events)
		},
	}
	cmd.Flags().String("operation", "", "only show this operation")
	cmd.Flags().String("caller", "", "only show requests from this uid")
	cmd.Flags().String("outcome", "", "only show success, failure or denied")
	cmd.Flags().Int("limit", 0, "show at most this many events")
	return cmd
}
