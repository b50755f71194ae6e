package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/poolwatch/internal/ingest"
	"github.com/austindbirch/poolwatch/internal/queue"
)

var publishViaIngest bool

// publishCmd feeds a raw activity webhook into the pipeline
var publishCmd = &cobra.Command{
	Use:   "publish [file]",
	Short: "Publish a raw activity webhook",
	Long: `Publish a raw activity webhook body read from a file, or stdin when the
file is omitted or "-".

By default the body is pushed straight onto queue/RawActivity and announced
on nsqd. With --via-ingest it is POSTed to the ingest service instead.

Example:
  poolctl publish testdata/deposit.json --via-ingest`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		if !json.Valid(body) {
			return fmt.Errorf("body is not valid JSON")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if publishViaIngest {
			return postIngest(ctx, httpClient(), cmd.OutOrStdout(), body)
		}

		q, closeQ, err := openQueue(ctx, true)
		if err != nil {
			return err
		}
		defer closeQ()
		return pushRaw(ctx, q, cmd.OutOrStdout(), body)
	},
}

func init() {
	publishCmd.Flags().BoolVar(&publishViaIngest, "via-ingest", false, "POST to the ingest service instead of pushing to the store")
	rootCmd.AddCommand(publishCmd)
}

func readBody(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func pushRaw(ctx context.Context, q *queue.Queue, w io.Writer, body []byte) error {
	id, err := q.Push(ctx, queue.RawActivity, json.RawMessage(body))
	if err != nil && id == "" {
		return err
	}
	if err != nil {
		// Stored but not announced; the next trigger or a restart picks it up.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	printResult(w, map[string]string{"path": queue.RawActivity, "id": id})
	return nil
}

func postIngest(ctx context.Context, client *http.Client, w io.Writer, body []byte) error {
	url := ingestURL(ingest.ActivityPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	printResult(w, map[string]string{"ingest": url, "status": resp.Status})
	return nil
}

func printResult(w io.Writer, v map[string]string) {
	if outputJSON {
		printOutput(w, v)
		return
	}
	if id, ok := v["id"]; ok {
		fmt.Fprintf(w, "queued %s/%s\n", v["path"], id)
		return
	}
	fmt.Fprintf(w, "accepted by %s (%s)\n", v["ingest"], v["status"])
}
