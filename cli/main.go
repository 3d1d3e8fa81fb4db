// Command captainctl is an operator CLI for the captain gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/captain/internal/domain"
	v1 "github.com/xiaot623/captain/internal/transport/http/v1"
	"github.com/xiaot623/captain/internal/transport/ws"
)

var (
	serverAddr   string
	outputFormat string
	httpTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "captainctl",
	Short:         "Operate a captain gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validFormat(outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("CAPTAIN_SERVER", "http://localhost:8080"), "Gateway base URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatTable, "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "http-timeout", 90*time.Second, "HTTP client timeout")

	rootCmd.AddCommand(requestCmd, capabilitiesCmd, agentsCmd, readyCmd, watchCmd)
}

func client() *Client {
	return NewClient(serverAddr, httpTimeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// request

var (
	requestParams  string
	requestTimeout time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request <type>",
	Short: "Submit a high-level request",
	Example: `  captainctl request send_reminder --params '{"team_id":"t1","message":"Game at 6","recipients":["p1"]}'
  captainctl request team_overview --params @overview.json --timeout 5s`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVarP(&requestParams, "params", "p", "{}", "Request params as JSON, or @file")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 0, "Request deadline (0 uses the gateway default)")
}

func runRequest(cmd *cobra.Command, args []string) error {
	params, err := readParams(requestParams)
	if err != nil {
		return err
	}
	req := domain.Request{Type: args[0], Params: params}
	if requestTimeout > 0 {
		req.TimeoutMs = int(requestTimeout.Milliseconds())
	}

	reply, err := client().Request(cmd.Context(), req)
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), outputFormat, reply.CompositeResult); err != nil {
		return err
	}
	if reply.Error != nil {
		return fmt.Errorf("%s: %s", reply.Error.Code, reply.Error.Message)
	}
	return nil
}

func readParams(s string) (json.RawMessage, error) {
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading params file: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("params are not valid JSON")
	}
	return json.RawMessage(data), nil
}

// capabilities

var capabilitiesCmd = &cobra.Command{
	Use:     "capabilities",
	Aliases: []string{"caps"},
	Short:   "List capabilities and the agents serving them",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		caps, err := client().Capabilities(cmd.Context())
		if err != nil {
			return err
		}
		return printCapabilities(cmd.OutOrStdout(), outputFormat, caps)
	},
}

// agents

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage registered agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents with their liveness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := client().Agents(cmd.Context())
		if err != nil {
			return err
		}
		return printAgents(cmd.OutOrStdout(), outputFormat, agents)
	},
}

var registerReq v1.AgentRegisterRequest

var agentsRegisterCmd = &cobra.Command{
	Use:     "register <agent-id>",
	Short:   "Register an agent",
	Example: `  captainctl agents register schedule-1 --address http://localhost:8001 --capability parse-schedule --capability get-schedule-events@1.0.0`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registerReq.AgentID = args[0]
		agent, err := client().RegisterAgent(cmd.Context(), registerReq)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s at %s (%d capabilities)\n", agent.ID, agent.Address, len(agent.Capabilities))
		return nil
	},
}

var agentsDeregisterCmd = &cobra.Command{
	Use:     "deregister <agent-id>",
	Aliases: []string{"rm"},
	Short:   "Remove an agent",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().DeregisterAgent(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deregistered %s\n", args[0])
		return nil
	},
}

func init() {
	f := agentsRegisterCmd.Flags()
	f.StringVar(&registerReq.Name, "name", "", "Display name (defaults to the id)")
	f.StringVar(&registerReq.Address, "address", "", "Agent base URL")
	f.StringSliceVarP(&registerReq.Capabilities, "capability", "c", nil, "Capability as name or name@version (repeatable)")
	f.StringVar(&registerReq.ProtocolVersion, "protocol-version", "1.0.0", "Agent protocol version")
	f.IntVar(&registerReq.Priority, "priority", 0, "Preference priority (lower is preferred)")
	_ = agentsRegisterCmd.MarkFlagRequired("address")

	agentsCmd.AddCommand(agentsListCmd, agentsRegisterCmd, agentsDeregisterCmd)
}

// ready

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Show gateway readiness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := client().Readiness(cmd.Context())
		if err != nil {
			return err
		}
		if err := printReadiness(cmd.OutOrStdout(), outputFormat, r); err != nil {
			return err
		}
		if !r.Ready {
			return fmt.Errorf("gateway is not ready")
		}
		return nil
	},
}

// watch

var watchAgent string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream liveness transitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)\n", serverAddr)
		return client().Watch(cmd.Context(), watchAgent, func(msg ws.Message) {
			printStreamMessage(out, msg)
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAgent, "agent", "", "Only show this agent")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
