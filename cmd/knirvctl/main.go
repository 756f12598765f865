// Command knirvctl is the operator CLI for a running KNIRV agent.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/events"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
		client  *apiClient
	)

	root := &cobra.Command{
		Use:          "knirvctl",
		Short:        "Operate a running KNIRV skill network agent",
		SilenceUsage: true,
	}
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		client = newAPIClient(server, timeout)
	}
	defaultServer := os.Getenv("KNIRV_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&server, "server", defaultServer, "agent API base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")

	// call runs one request and prints the JSON response.
	call := func(cmd *cobra.Command, method, path string, body interface{}) error {
		data, err := client.do(method, path, body)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), data)
	}

	root.AddCommand(
		newHealthCmd(call),
		newReportCmd(call),
		newQueueCmd(call),
		newJobCmd(call),
		newSkillsCmd(call),
		newSyncCmd(call),
		newOutcomesCmd(call),
		newEventsCmd(),
	)
	return root
}

type caller func(cmd *cobra.Command, method, path string, body interface{}) error

func newHealthCmd(call caller) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show agent and dependency health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/api/health", nil)
		},
	}
}

func newReportCmd(call caller) *cobra.Command {
	var (
		errType  string
		message  string
		task     string
		severity string
		ctxJSON  string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report an error to the agent and print the outcome",
		Long: `Report an error to the agent. The agent fingerprints it, asks the
registry for a skill, and either invokes the skill or queues an adapter
for training.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"type":     errType,
				"message":  message,
				"task":     task,
				"severity": severity,
			}
			if ctxJSON != "" {
				var extra map[string]interface{}
				if err := json.Unmarshal([]byte(ctxJSON), &extra); err != nil {
					return fmt.Errorf("--context: %w", err)
				}
				body["context"] = extra
			}
			return call(cmd, http.MethodPost, "/api/errors", body)
		},
	}
	cmd.Flags().StringVar(&errType, "type", "", "error type (required)")
	cmd.Flags().StringVar(&message, "message", "", "error message (required)")
	cmd.Flags().StringVar(&task, "task", "", "task the agent was working on")
	cmd.Flags().StringVar(&severity, "severity", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&ctxJSON, "context", "", "extra context as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newQueueCmd(call caller) *cobra.Command {
	var metricsOnly bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the training queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsOnly {
				return call(cmd, http.MethodGet, "/api/queue/metrics", nil)
			}
			return call(cmd, http.MethodGet, "/api/queue", nil)
		},
	}
	cmd.Flags().BoolVar(&metricsOnly, "metrics", false, "print metrics only")

	cmd.AddCommand(&cobra.Command{
		Use:       "clear completed|failed",
		Short:     "Drop finished jobs from the queue",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"completed", "failed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodDelete, "/api/queue/"+args[0], nil)
		},
	})
	return cmd
}

func newJobCmd(call caller) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "job [id]",
		Short: "Show one training job, or list job history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return call(cmd, http.MethodGet, "/api/jobs/"+url.PathEscape(args[0]), nil)
			}
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", strconv.Itoa(limit))
			return call(cmd, http.MethodGet, "/api/jobs?"+q.Encode(), nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter history by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func newSkillsCmd(call caller) *cobra.Command {
	var agent, cluster string
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List the local skill catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cluster != "" {
				return call(cmd, http.MethodGet, "/api/clusters/"+url.PathEscape(cluster)+"/skills", nil)
			}
			path := "/api/skills"
			if agent != "" {
				path += "?agent=" + url.QueryEscape(agent)
			}
			return call(cmd, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "only skills assigned to this agent")
	cmd.Flags().StringVar(&cluster, "cluster", "", "skills the graph knows for this error cluster")

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a skill from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodDelete, "/api/skills/"+url.PathEscape(args[0]), nil)
		},
	})
	return cmd
}

func newSyncCmd(call caller) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Show weight sync statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/api/sync", nil)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "force",
		Short: "Run one sync cycle now and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/api/sync/force", nil)
		},
	})

	mappings := &cobra.Command{
		Use:   "mappings",
		Short: "List layer mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/api/sync/mappings", nil)
		},
	}

	var (
		strategy string
		strength float64
	)
	add := &cobra.Command{
		Use:   "add <core-layer> <adapter-module>",
		Short: "Add or replace a layer mapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/api/sync/mappings", map[string]interface{}{
				"coreLayer":          args[0],
				"adapterModule":      args[1],
				"strategy":           strategy,
				"adaptationStrength": strength,
			})
		},
	}
	add.Flags().StringVar(&strategy, "strategy", "projection", "direct, projection or attention")
	add.Flags().Float64Var(&strength, "strength", 0.1, "adaptation strength")

	rm := &cobra.Command{
		Use:   "rm <core-layer> <adapter-module>",
		Short: "Remove a layer mapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"core_layer": {args[0]}, "adapter_module": {args[1]}}
			return call(cmd, http.MethodDelete, "/api/sync/mappings?"+q.Encode(), nil)
		},
	}

	mappings.AddCommand(add, rm)
	cmd.AddCommand(mappings)
	return cmd
}

func newOutcomesCmd(call caller) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "Show recently handled errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/api/outcomes?limit="+strconv.Itoa(limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum outcomes")
	return cmd
}

// newEventsCmd tails the Redis job stream directly; it does not go through
// the agent API.
func newEventsCmd() *cobra.Command {
	var (
		redisURL string
		stream   string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail queue and invocation events from Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bus, err := events.NewBus(ctx, redisURL, stream, zap.NewNop())
			if err != nil {
				return err
			}
			defer bus.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range bus.Subscribe(ctx) {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	defaultRedis := os.Getenv("REDIS_URL")
	if defaultRedis == "" {
		defaultRedis = "redis://localhost:6379/0"
	}
	cmd.Flags().StringVar(&redisURL, "redis", defaultRedis, "Redis URL")
	cmd.Flags().StringVar(&stream, "stream", "knirv:jobs", "stream name")
	return cmd
}
