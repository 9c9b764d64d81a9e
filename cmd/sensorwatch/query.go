package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/ui"
	"github.com/spf13/cobra"
)

var queryLimit int

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Handshake with the backend and list its operations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := appFor(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		info, caps, err := a.client.Handshake(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]any{"server": info, "tools": caps})
		}
		ui.PrintCapabilities(os.Stdout, info, caps)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Drill into raw sensor hits",
}

var queryCountryCmd = &cobra.Command{
	Use:   "country CODE",
	Short: "Hits from one country (name or two-letter code)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(ctx context.Context, b analytics.Backend, w analytics.Window) ([]analytics.LogEntry, error) {
			return b.SearchByCountry(ctx, args[0], w, queryLimit)
		})
	},
}

var queryAddressCmd = &cobra.Command{
	Use:   "address IP|CIDR",
	Short: "Hits from one address or range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(ctx context.Context, b analytics.Backend, w analytics.Window) ([]analytics.LogEntry, error) {
			return b.SearchByAddress(ctx, strings.TrimSpace(args[0]), w, queryLimit)
		})
	},
}

func init() {
	queryCmd.PersistentFlags().IntVar(&queryLimit, "limit", 100, "maximum rows")
	queryCmd.AddCommand(queryCountryCmd, queryAddressCmd)
}

func appFor(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

func runQuery(cmd *cobra.Command, q func(context.Context, analytics.Backend, analytics.Window) ([]analytics.LogEntry, error)) error {
	a, err := appFor(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	rows, err := q(cmd.Context(), a.backend, a.window)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rows)
	}
	ui.PrintEntries(os.Stdout, rows)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
