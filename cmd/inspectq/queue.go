package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

type queueStats struct {
	Backend  string `json:"backend"`
	Ready    int64  `json:"ready"`
	Delayed  int64  `json:"delayed"`
	InFlight int64  `json:"inFlight"`
}

type healthResp struct {
	Status   string            `json:"status"`
	Queue    string            `json:"queue"`
	Backends map[string]string `json:"backends"`
}

// withSpinner shows a spinner while fn runs.
func withSpinner(label string, fn func() error) error {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " " + label
	spin.Start()
	err := fn()
	spin.Stop()
	return err
}

func queueCmd(s *settings, ui *ui) *cobra.Command {
	stats := &cobra.Command{
		Use:     "stats",
		Short:   "Show upload queue depth",
		Example: "inspectq queue stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out queueStats
			err := withSpinner("Reading queue...", func() error {
				return newClient(s).do(cmd.Context(), http.MethodGet, pathQueue, nil, &out)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %d  %s %d  %s %d\n",
				ui.dim("["+out.Backend+"]"),
				ui.ok("ready"), out.Ready,
				ui.warn("delayed"), out.Delayed,
				ui.info("in-flight"), out.InFlight,
			)
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the upload queue",
	}
	cmd.AddCommand(stats)
	return cmd
}

func healthCmd(s *settings, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check queue and storage backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := fetchHealth(cmd.Context(), newClient(s))
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", ui.title("status"), colorState(ui, out.Status))
			fmt.Printf("  queue: %s\n", colorState(ui, out.Queue))
			names := make([]string, 0, len(out.Backends))
			for n := range out.Backends {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Printf("  backend %s: %s\n", n, colorState(ui, out.Backends[n]))
			}
			if out.Status != "ok" {
				return fmt.Errorf("service is %s", out.Status)
			}
			return nil
		},
	}
}

// fetchHealth also decodes the 503 body, which carries the per-component report.
func fetchHealth(ctx context.Context, c *client) (healthResp, error) {
	var out healthResp
	err := withSpinner("Checking health...", func() error {
		return c.do(ctx, http.MethodGet, pathHealth, nil, &out)
	})
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		if jsonErr := json.Unmarshal(apiErr.Body, &out); jsonErr == nil && out.Status != "" {
			return out, nil
		}
	}
	return out, err
}

func colorState(ui *ui, state string) string {
	switch state {
	case "ok":
		return ui.ok(state)
	case "degraded":
		return ui.warn(state)
	default:
		return ui.err(state)
	}
}
