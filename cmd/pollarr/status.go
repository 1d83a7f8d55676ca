package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mescon/Pollarr/internal/services"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Reactor string `json:"reactor"`
}

type servicesResponse struct {
	Services []services.ServiceInfo `json:"services"`
}

func statusCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the services of a running Pollarr",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			base := strings.TrimRight(addr, "/")
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}
			client := &http.Client{}

			var health healthResponse
			// /api/health answers 503 with a body once the reactor stopped.
			if err := getJSON(ctx, client, base+"/api/health", &health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
				return err
			}
			var list servicesResponse
			if err := getJSON(ctx, client, base+"/api/services", &list, http.StatusOK); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderHeader(health))
			fmt.Fprintln(out, renderServices(list.Services, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:3095", "Address of the Pollarr API")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func getJSON(ctx context.Context, client *http.Client, url string, into interface{}, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach pollarr: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("GET %s: invalid response: %w", url, err)
	}
	return nil
}

func renderHeader(h healthResponse) string {
	status := successStyle.Render(h.Status)
	switch h.Status {
	case "degraded":
		status = warnStyle.Render(h.Status)
	case "stopped":
		status = errorStyle.Render(h.Status)
	}
	return fmt.Sprintf("%s %s  %s %s  %s %s  %s %s\n",
		labelStyle.Render("pollarr"), h.Version,
		labelStyle.Render("status"), status,
		labelStyle.Render("reactor"), h.Reactor,
		labelStyle.Render("uptime"), h.Uptime,
	)
}

func renderServices(list []services.ServiceInfo, now time.Time) string {
	if len(list) == 0 {
		return muted("no services registered")
	}

	rows := make([][]string, len(list))
	for i, s := range list {
		rows[i] = []string{
			s.Name,
			s.Kind,
			s.Interval,
			nextDue(s.NextDue, now),
			strconv.FormatInt(s.Polls.Polls, 10),
			strconv.FormatInt(s.Polls.Failures, 10),
			lastPoll(s.Polls),
			healthLabel(s),
		}
	}
	return renderTable(
		[]string{"Service", "Kind", "Interval", "Next", "Polls", "Failures", "Last", "Health"},
		rows,
	)
}

func nextDue(due *time.Time, now time.Time) string {
	if due == nil {
		return "-"
	}
	d := due.Sub(now)
	if d <= 0 {
		return "due"
	}
	return "in " + d.Round(time.Millisecond).String()
}

func lastPoll(p services.PollStatus) string {
	if p.Polls == 0 {
		return "-"
	}
	last := fmt.Sprintf("%.0fms", p.LastDurationMs)
	if p.LastLatenessMs > 0 {
		last += fmt.Sprintf(" (+%.0fms late)", p.LastLatenessMs)
	}
	return last
}

func healthLabel(s services.ServiceInfo) string {
	switch {
	case s.Builtin:
		return "builtin"
	case s.Health.Degraded:
		return fmt.Sprintf("degraded (%d)", s.Health.ConsecutiveFailures)
	case s.Health.ConsecutiveFailures > 0:
		return fmt.Sprintf("failing (%d)", s.Health.ConsecutiveFailures)
	default:
		return "ok"
	}
}
