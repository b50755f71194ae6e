package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long:  `Check the ingest service's /healthz, which pings the queue store and nsqd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return checkHealth(ctx, httpClient(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func checkHealth(ctx context.Context, client *http.Client, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ingestURL("/healthz"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP health check failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	if outputJSON {
		printOutput(w, map[string]any{"status": resp.StatusCode, "body": body})
	} else if resp.StatusCode == http.StatusOK {
		fmt.Fprintln(w, "✓ Service is healthy")
	} else {
		fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d)", resp.StatusCode)
		if msg, ok := body["message"]; ok {
			fmt.Fprintf(w, ": %v", msg)
		}
		fmt.Fprintln(w)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}
