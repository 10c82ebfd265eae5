package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"instream-live-server/pkg/inspect"
	"instream-live-server/pkg/policy"
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Inspect a video file and print the admission verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		result, err := inspect.ProbeFile(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("probe %s: %w", args[0], err)
		}
		verdict := policy.New(cfg.Policy).Evaluate(result)

		out := struct {
			File     string         `json:"file"`
			Probe    inspect.Result `json:"probe"`
			Decision string         `json:"decision"`
			Reason   string         `json:"reason,omitempty"`
			Message  string         `json:"message,omitempty"`
		}{args[0], result, verdict.Decision.String(), verdict.Reason, verdict.Message}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if verdict.Rejected() {
			return fmt.Errorf("rejected: %s", verdict.Reason)
		}
		return nil
	},
}
