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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/services/gateway/config"
	"github.com/AleutianAI/AleutianGate/services/gateway/decision"
	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

// checkResult is the JSON form of a local check.
type checkResult struct {
	PolicyVersion string                `json:"policy_version"`
	Blocked       bool                  `json:"blocked"`
	MaskedText    string                `json:"masked_text"`
	Detections    []detection.Detection `json:"detections"`
}

func newCheckCmd() *cobra.Command {
	var (
		policyFile string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "check [text]",
		Short: "Evaluate text against the pattern policy without contacting any provider",
		Long: "check runs the policy's pattern detector and masker on the given text, or on stdin when no text is given. " +
			"Entity and semantic detection need their providers and are not run. Nothing is audited.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(b)
			}
			res, err := runCheck(cmd.Context(), policyFile, text)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			renderCheck(out, res, isTerminal(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&policyFile, "policy", "", "Policy YAML file (default: embedded policy)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

// runCheck evaluates text with the pattern layer only.
func runCheck(ctx context.Context, policyFile, text string) (checkResult, error) {
	if strings.TrimSpace(text) == "" {
		return checkResult{}, errors.New("text must not be empty")
	}
	var (
		cp  *config.Compiled
		err error
	)
	if policyFile != "" {
		cp, err = config.LoadPolicyFile(ctx, policyFile)
	} else {
		cp, err = config.DefaultPolicy(ctx)
	}
	if err != nil {
		return checkResult{}, err
	}

	regex := cp.Masker.FilterProtected(text, cp.Detector.Detect(text))
	verdict := decision.Decide(regex, nil, nil)
	dets := verdict.Detections
	if dets == nil {
		dets = []detection.Detection{}
	}
	return checkResult{
		PolicyVersion: cp.Version(),
		Blocked:       verdict.Blocked,
		MaskedText:    cp.Masker.Mask(text, verdict.Detections),
		Detections:    dets,
	}, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var (
	blockedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	allowedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Width(14)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// renderCheck prints a human-readable result. Styles are applied only
// when color is true.
func renderCheck(w io.Writer, res checkResult, color bool) {
	style := func(s lipgloss.Style, v string) string {
		if !color {
			return v
		}
		return s.Render(v)
	}

	verdict := style(allowedStyle, "ALLOWED")
	if res.Blocked {
		verdict = style(blockedStyle, "BLOCKED")
	}
	fmt.Fprintf(w, "%s  %s\n", verdict, style(dimStyle, "policy "+res.PolicyVersion))
	for _, d := range res.Detections {
		label := d.Label
		if color {
			label = labelStyle.Render(label)
		} else {
			label = fmt.Sprintf("%-14s", label)
		}
		fmt.Fprintf(w, "  %s %q %s\n", label, d.Text, style(dimStyle, fmt.Sprintf("[%d,%d)", d.Span.Start, d.Span.End)))
	}
	fmt.Fprintf(w, "\n%s\n", res.MaskedText)
}
