// gatectl is the operator CLI for a running gateway. It talks to the
// admin HTTP API; it never touches the database directly.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:   "gatectl",
		Short: "Operator CLI for the anchorgate gateway",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "gateway base URL")

	root.AddCommand(
		verifyCmd(),
		batchesCmd(),
		statsCmd(),
		pricingCmd(),
		flushCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <log-id>",
		Short: "Re-derive a usage record's Merkle inclusion and chain linkage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/admin/usage/"+args[0]+"/verify", "")
		},
	}
}

func batchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches [id]",
		Short: "List anchored batches, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/batches"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			return call(http.MethodGet, path, "")
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show today's request, anchor and cost totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/admin/stats", "")
		},
	}
}

func pricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Inspect or invalidate the pricing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/admin/pricing", "")
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Mark the in-memory pricing table stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/admin/pricing/invalidate", "")
		},
	})
	return cmd
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Force an anchoring submission of all pending records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/admin/batches/flush", "")
		},
	}
}

func call(method, path, body string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest(method, serverURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(out)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
