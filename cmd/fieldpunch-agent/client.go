package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// These subcommands talk to a running agent over its local API so a tech
// (or the kiosk shell's scripts) can inspect and nudge the queue from a
// terminal.

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, connectivity, and failed punches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := apiGet(addr, "/v1/status")
			if err != nil {
				return err
			}

			var st struct {
				PendingCount  int    `json:"pending_count"`
				Reachable     bool   `json:"reachable"`
				LastSyncedAt  string `json:"last_synced_at"`
				LastAttemptAt string `json:"last_attempt_at"`
				FailedItems   []struct {
					ID        string `json:"id"`
					Op        string `json:"op"`
					LastError string `json:"last_error"`
				} `json:"failed_items"`
			}
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending:      %d\n", st.PendingCount)
			fmt.Fprintf(out, "reachable:    %v\n", st.Reachable)
			fmt.Fprintf(out, "last synced:  %s\n", orNever(st.LastSyncedAt))
			fmt.Fprintf(out, "last attempt: %s\n", orNever(st.LastAttemptAt))
			if len(st.FailedItems) > 0 {
				fmt.Fprintf(out, "failed:\n")
				for _, f := range st.FailedItems {
					fmt.Fprintf(out, "  %s  %-11s %s\n", f.ID, f.Op, f.LastError)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "agent API address")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "retry <queue-item-id>",
		Short: "Re-queue a failed punch for submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := apiPost(addr, "/v1/retry", map[string]string{"queue_item_id": args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "requeued", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "agent API address")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ask the agent to drain the queue now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := apiPost(addr, "/v1/sync", nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync triggered")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "agent API address")
	return cmd
}

func apiGet(addr, path string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, fmt.Errorf("agent not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	return readAPIResponse(resp)
}

func apiPost(addr, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+addr+path, "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("agent not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	return readAPIResponse(resp)
}

func readAPIResponse(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Message != "" {
				return nil, fmt.Errorf("%s: %s", e.Error, e.Message)
			}
			return nil, fmt.Errorf("%s", e.Error)
		}
		return nil, fmt.Errorf("agent returned %s", resp.Status)
	}
	return raw, nil
}

func orNever(s string) string {
	if s == "" {
		return "never"
	}
	return s
}
