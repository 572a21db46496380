package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

func newHealthCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show server health, limits and running sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health models.HealthResponse
			if err := newClient(opts).getJSON(cmd.Context(), "/api/health", &health); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), health)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), renderHealth(health))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw health report")
	return cmd
}

func newSuggestCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "suggest <brief>",
		Short: "Ask the server to propose build options for a brief",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.SuggestRequest{Brief: strings.Join(args, " ")}
			var resp models.SuggestResponse
			if err := newClient(opts).postJSON(cmd.Context(), "/api/suggest-config", req, &resp); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), renderSuggestion(resp))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw suggestion")
	return cmd
}
