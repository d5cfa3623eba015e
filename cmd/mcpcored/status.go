package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusServerURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check an HTTP-transport mcpcored instance's health",
	Long: `status queries the /health endpoint of a running mcpcored HTTP instance
and renders its connection and byte counters. It has nothing to query
against a stdio instance, which has no listening port.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServerURL, "server", "http://localhost:8090", "mcpcored HTTP server URL")
}

// healthResponse mirrors transport.Health's JSON shape.
type healthResponse struct {
	Healthy bool             `json:"healthy"`
	Error   string           `json:"error,omitempty"`
	Metrics map[string]int64 `json:"metrics"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(statusServerURL + "/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServerURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	status := "healthy"
	if !health.Healthy {
		status = "unhealthy"
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Server", "Status", "Connections", "Bytes In", "Bytes Out"})
	t.AppendRow(table.Row{
		statusServerURL,
		status,
		health.Metrics["active_connections"],
		humanize.Bytes(uint64(health.Metrics["bytes_in"])),
		humanize.Bytes(uint64(health.Metrics["bytes_out"])),
	})
	t.Render()

	if health.Error != "" {
		fmt.Fprintf(os.Stderr, "last error: %s\n", health.Error)
	}
	if !health.Healthy {
		return fmt.Errorf("server reports unhealthy")
	}
	return nil
}
