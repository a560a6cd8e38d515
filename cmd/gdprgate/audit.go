// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/services/gateway/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the decision audit log",
	}
	cmd.AddCommand(newAuditVerifyCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify the hash chain of an audit log",
		Long: "verify recomputes every record hash and checks sequence numbers and prev_hash links. " +
			"The path defaults to AUDIT_LOG_PATH, then ./data/audit/audit.jsonl.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := os.Getenv("AUDIT_LOG_PATH")
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "./data/audit/audit.jsonl"
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			sum, err := audit.Verify(f)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "records:   %d\n", sum.Records)
			fmt.Fprintf(out, "decisions: %d (%d blocked)\n", sum.Decisions, sum.Blocked)
			fmt.Fprintf(out, "errors:    %d\n", sum.Errors)
			if sum.Records > 0 {
				fmt.Fprintf(out, "head:      seq %d %s\n", sum.LastSeq, sum.LastHash)
			}
			if err != nil {
				return fmt.Errorf("chain broken after %d valid records: %w", sum.Records, err)
			}
			fmt.Fprintln(out, "chain OK")
			return nil
		},
	}
}
