// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/web"
)

// ComponentStatus holds the status of one gatekeep endpoint.
type ComponentStatus struct {
	Component string `json:"component"`
	Addr      string `json:"addr"`
	Running   bool   `json:"running"`
	Health    string `json:"health,omitempty"`
	Session   string `json:"session,omitempty"`
	Error     string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput  bool
	addr        string
	metricsAddr string
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running gatekeep server",
		Long: `Query a running gatekeep server for its session state and the
readiness of its health endpoint. Addresses default to the configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().StringVar(&cfg.addr, "addr", "", "web server address (default from config)")
	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", "", "metrics server address (default from config)")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, sc *statusConfig) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	webAddr := cfg.ListenAddr
	if sc.addr != "" {
		webAddr = sc.addr
	}
	metricsAddr := cfg.MetricsAddr
	if sc.metricsAddr != "" {
		metricsAddr = sc.metricsAddr
	}

	client := &http.Client{Timeout: 2 * time.Second}
	statuses := []ComponentStatus{queryWebStatus(client, webAddr)}
	if metricsAddr != "" {
		statuses = append(statuses, queryMetricsStatus(client, metricsAddr))
	}

	var output string
	if sc.jsonOutput {
		output, err = formatStatusJSON(statuses)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
	} else {
		output = formatStatusTable(statuses)
	}

	cmd.Println(output)
	return nil
}

// queryWebStatus reads the session snapshot from the web server.
func queryWebStatus(client *http.Client, addr string) ComponentStatus {
	status := ComponentStatus{Component: "web", Addr: addr}

	resp, err := client.Get("http://" + addr + "/session")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.Running = true
	if resp.StatusCode != http.StatusOK {
		status.Health = resp.Status
		return status
	}

	var payload web.SnapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		status.Health = "ok"
		status.Error = fmt.Sprintf("failed to decode session: %v", err)
		return status
	}

	status.Health = "ok"
	status.Session = describeSession(payload)
	return status
}

// queryMetricsStatus checks the readiness endpoint.
func queryMetricsStatus(client *http.Client, addr string) ComponentStatus {
	status := ComponentStatus{Component: "metrics", Addr: addr}

	resp, err := client.Get("http://" + addr + "/healthz/readiness")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.Running = true
	switch resp.StatusCode {
	case http.StatusOK:
		status.Health = "ready"
	case http.StatusServiceUnavailable:
		status.Health = "not ready"
	default:
		status.Health = resp.Status
	}
	return status
}

func describeSession(p web.SnapshotPayload) string {
	switch {
	case p.IsLoading:
		return "loading"
	case p.User == nil:
		return "signed out"
	default:
		return "signed in as " + guard.DisplayName(p.User)
	}
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(statuses []ComponentStatus) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "COMPONENT\tADDR\tSTATUS\tHEALTH\tSESSION")
	_, _ = fmt.Fprintln(w, "---------\t----\t------\t------\t-------")

	for _, s := range statuses {
		if !s.Running {
			reason := "not running"
			if s.Error != "" {
				reason = s.Error
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\tstopped\t-\t%s\n", s.Component, s.Addr, reason)
			continue
		}
		sess := s.Session
		if sess == "" {
			sess = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\trunning\t%s\t%s\n", s.Component, s.Addr, s.Health, sess)
	}

	_ = w.Flush()
	return buf.String()
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(statuses []ComponentStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}
