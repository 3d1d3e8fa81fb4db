package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"go.yaml.in/yaml/v3"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/transport/ws"
)

// Output formats accepted by -o.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validFormat(f string) error {
	switch f {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", f)
	}
}

// printStructured writes v as JSON or YAML. It reports false for table output.
func printStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, err
		}
		_, err = fmt.Fprintln(w, string(data))
		return true, err
	case formatYAML:
		// Round-trip through JSON so YAML keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	default:
		return false, nil
	}
}

func stateString(s domain.LivenessState) string {
	switch s {
	case domain.LivenessHealthy:
		return color.GreenString(string(s))
	case domain.LivenessDegraded:
		return color.YellowString(string(s))
	case domain.LivenessUnreachable:
		return color.RedString(string(s))
	default:
		return color.New(color.Faint).Sprint(string(s))
	}
}

func printCapabilities(w io.Writer, format string, caps []domain.CapabilityInfo) error {
	if ok, err := printStructured(w, format, caps); ok {
		return err
	}
	if len(caps) == 0 {
		_, err := fmt.Fprintln(w, "No capabilities registered.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tAGENT\tVERSION\tSTATE\tPREFERRED")
	for _, c := range caps {
		for i, a := range c.Agents {
			name := c.Name
			if i > 0 {
				name = ""
			}
			version := a.Version
			if version == "" {
				version = "-"
			}
			preferred := ""
			if a.Preferred {
				preferred = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, a.AgentID, version, stateString(a.State), preferred)
		}
	}
	return tw.Flush()
}

func printAgents(w io.Writer, format string, agents []domain.AgentStatus) error {
	if ok, err := printStructured(w, format, agents); ok {
		return err
	}
	if len(agents) == 0 {
		_, err := fmt.Fprintln(w, "No agents registered.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tADDRESS\tSOURCE\tSTATE\tFAILURES\tCAPABILITIES")
	for _, a := range agents {
		caps := make([]string, len(a.Capabilities))
		for i, c := range a.Capabilities {
			caps[i] = c.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, a.Address, a.Source, stateString(a.Liveness.State), a.Liveness.ConsecutiveFailures, strings.Join(caps, ","))
	}
	return tw.Flush()
}

func printResult(w io.Writer, format string, res *domain.CompositeResult) error {
	if ok, err := printStructured(w, format, res); ok {
		return err
	}

	status := string(res.Status)
	switch res.Status {
	case domain.CompositeSuccess:
		status = color.GreenString(status)
	case domain.CompositePartial:
		status = color.YellowString(status)
	default:
		status = color.RedString(status)
	}
	fmt.Fprintf(w, "Request %s: %s\n\n", res.RequestID, status)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "#\tCAPABILITY\tAGENT\tSTATUS\tDURATION\tDETAIL")
	for _, r := range res.Results {
		agent := r.AgentID
		if agent == "" {
			agent = "-"
		}
		detail := string(r.Payload)
		if r.Error != nil {
			detail = r.Error.Code + ": " + r.Error.Message
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%dms\t%s\n", r.Index, r.Capability, agent, r.Status, r.DurationMs, truncate(detail, 80))
	}
	return tw.Flush()
}

func printReadiness(w io.Writer, format string, r domain.Readiness) error {
	if ok, err := printStructured(w, format, r); ok {
		return err
	}
	if r.Ready {
		fmt.Fprintf(w, "%s (%d routable agents)\n", color.GreenString("ready"), r.Routable)
	} else {
		fmt.Fprintf(w, "%s (%d routable agents)\n", color.RedString("not ready"), r.Routable)
	}
	for _, name := range r.Missing {
		fmt.Fprintf(w, "  missing: %s\n", name)
	}
	return nil
}

func printStreamMessage(w io.Writer, msg ws.Message) {
	ts := time.UnixMilli(msg.Ts).Format(time.TimeOnly)
	switch msg.Type {
	case ws.TypeSnapshot:
		for _, r := range msg.Records {
			fmt.Fprintf(w, "%s  %-24s %s\n", ts, r.AgentID, stateString(r.State))
		}
	case ws.TypeTransition:
		if t := msg.Transition; t != nil {
			line := fmt.Sprintf("%s  %-24s %s -> %s", ts, t.AgentID, stateString(t.From), stateString(t.To))
			if t.Reason != "" {
				line += "  (" + t.Reason + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
