package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(ctx context.Context, method, path, user string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStopAllCmd() *cobra.Command {
	var server, account, user string
	var asError bool
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running task a user owns in an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/accounts/" + url.PathEscape(account) + "/stop"
			if asError {
				path += "?error=true"
			}
			var res map[string]any
			if err := newAPIClient(server).do(cmd.Context(), http.MethodPost, path, user, &res); err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "control plane base URL")
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().BoolVar(&asError, "error", false, "mark the tasks ERROR instead of CANCELLED")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTaskCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "task <task-id>",
		Short: "Show a task with its live counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task map[string]any
			if err := newAPIClient(server).do(cmd.Context(), http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), "", &task); err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "control plane base URL")
	return cmd
}
