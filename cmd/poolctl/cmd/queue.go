package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/poolwatch/internal/queue"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and prune queue paths",
	Long: `List, count and remove items stored under the pipeline queue paths.

Paths may be given in full (queue/PerActivity) or by their last segment
(PerActivity, peractivity).`,
}

var queueListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List the items under a queue path",
	Long: `List every item stored under a queue path.

Example:
  poolctl queue list OutboundMessage --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolvePath(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		q, closeQ, err := openQueue(ctx, false)
		if err != nil {
			return err
		}
		defer closeQ()
		return runQueueList(ctx, q, cmd.OutOrStdout(), path)
	},
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count the items under every queue path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		q, closeQ, err := openQueue(ctx, false)
		if err != nil {
			return err
		}
		defer closeQ()
		return runQueueCount(ctx, q, cmd.OutOrStdout())
	},
}

var queueRmCmd = &cobra.Command{
	Use:   "rm [path] [id...]",
	Short: "Remove items from a queue path",
	Long: `Remove one or more items from a queue path. Missing ids are ignored.

Example:
  poolctl queue rm PerActivity 6f1c2a0e-1d2b-4c55-9a41-0b9b3e1f7c10`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolvePath(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		q, closeQ, err := openQueue(ctx, false)
		if err != nil {
			return err
		}
		defer closeQ()
		return runQueueRm(ctx, q, cmd.OutOrStdout(), path, args[1:])
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueCountCmd, queueRmCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(ctx context.Context, q *queue.Queue, w io.Writer, path string) error {
	items, err := q.ReadAll(ctx, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if outputJSON {
		printOutput(w, items)
		return nil
	}

	if len(items) == 0 {
		fmt.Fprintf(w, "%s is empty\n", path)
		return nil
	}
	for _, id := range sortedIDs(items) {
		retry, _ := queue.IntField(items[id], "retryNumber")
		fmt.Fprintf(w, "%s  retry=%d  %s\n", id, retry, compact(items[id], 120))
	}
	return nil
}

func runQueueCount(ctx context.Context, q *queue.Queue, w io.Writer) error {
	counts := make(map[string]int, len(queue.Paths))
	for _, path := range queue.Paths {
		items, err := q.ReadAll(ctx, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		counts[path] = len(items)
	}
	if outputJSON {
		printOutput(w, counts)
		return nil
	}
	for _, path := range queue.Paths {
		fmt.Fprintf(w, "%-24s %d\n", path, counts[path])
	}
	return nil
}

func runQueueRm(ctx context.Context, q *queue.Queue, w io.Writer, path string, ids []string) error {
	for _, id := range ids {
		if err := q.Remove(ctx, path, id); err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %s/%s\n", path, id)
	}
	return nil
}

func sortedIDs(items map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// compact renders an item on one line, cut to n bytes.
func compact(item json.RawMessage, n int) string {
	var v any
	s := string(item)
	if err := json.Unmarshal(item, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			s = string(b)
		}
	}
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
