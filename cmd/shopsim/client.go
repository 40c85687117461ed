// Client commands that query and steer a running shop over its JSON API
// Output is rendered as tables for terminals
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/server"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

const (
	defaultURL    = "http://localhost:8080"
	clientTimeout = 10 * time.Second
)

func statusCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show catalog, chaos modes, and simulated load of a running shop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st server.StateResponse
			if err := callAPI(cmd.Context(), http.MethodGet, baseURL, &st, "api", "state"); err != nil {
				return err
			}
			renderState(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", defaultURL, "base URL of the shop")
	return cmd
}

func chaosCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "chaos [<mode> <on|off>]",
		Short: "Show or switch chaos modes on a running shop",
		Long: "With no arguments, print the chaos switchboard.\n" +
			"With a mode and an action, switch that mode and print the result.\n\n" +
			"Modes: latency, error_rate, cpu_stress, memory_leak",
		Args: func(cmd *cobra.Command, args []string) error {
			switch len(args) {
			case 0:
				return nil
			case 2:
				if _, err := chaos.ParseMode(args[0]); err != nil {
					return err
				}
				if args[1] != "on" && args[1] != "off" {
					return fmt.Errorf("action must be on or off, got %q", args[1])
				}
				return nil
			default:
				return fmt.Errorf("expected no arguments or <mode> <on|off>\n\nUsage: shopsim chaos [<mode> <on|off>]")
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap chaos.Snapshot
			var err error
			if len(args) == 0 {
				err = callAPI(cmd.Context(), http.MethodGet, baseURL, &snap, "api", "chaos")
			} else {
				err = callAPI(cmd.Context(), http.MethodPost, baseURL, &snap, "api", "chaos", args[0], args[1])
			}
			if err != nil {
				return err
			}
			renderChaos(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", defaultURL, "base URL of the shop")
	return cmd
}

// callAPI sends a bodiless request to base joined with elems and decodes
// the JSON response into out.
func callAPI(ctx context.Context, method, base string, out any, elems ...string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := url.JoinPath(base, elems...)
	if err != nil {
		return fmt.Errorf("building request URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting shop: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func renderState(w io.Writer, st server.StateResponse) {
	products := table.NewWriter()
	products.SetOutputMirror(w)
	products.SetStyle(table.StyleLight)
	products.AppendHeader(table.Row{"Product", "Price", "Stock"})
	for _, p := range st.Products {
		products.AppendRow(table.Row{p.Name, fmt.Sprintf("%.2f", p.Price), p.Stock})
	}
	products.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})
	products.Render()

	renderChaos(w, st.Chaos)

	load := table.NewWriter()
	load.SetOutputMirror(w)
	load.SetStyle(table.StyleLight)
	load.AppendRow(table.Row{"Active users", st.ActiveUsers})
	load.AppendRow(table.Row{"Leaked bytes", st.LeakBytes})
	load.Render()
}

func renderChaos(w io.Writer, snap chaos.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Mode", "State"})
	for _, m := range chaos.Modes() {
		state := "off"
		if snap[m] {
			state = "on"
		}
		t.AppendRow(table.Row{string(m), state})
	}
	t.Render()
}
