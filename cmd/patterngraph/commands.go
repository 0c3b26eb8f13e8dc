package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vthunder/patterngraph/internal/embedding"
	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/queue"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <memory|code> <payload.json>",
		Short: "Queue an entity for ingestion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := map[string]string{
				"memory": queue.MemoryIngestion,
				"code":   queue.CodeIngestion,
			}[args[0]]
			if name == "" {
				return fmt.Errorf("unknown kind %q (want memory or code)", args[0])
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var p queue.Payload
			if err := json.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}

			a, err := openApp(cmd.Context(), options{})
			if err != nil {
				return err
			}
			defer a.Close()
			item, err := a.queue.Enqueue(cmd.Context(), name, p)
			if err != nil {
				return err
			}
			return printJSON(item)
		},
	}
}

func newDetectCommand() *cobra.Command {
	var workspace string
	var noLLM bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection pass for a workspace now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				return fmt.Errorf("--workspace is required")
			}
			a, err := openApp(cmd.Context(), options{provider: !noLLM})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.pipeline.ProcessDetection(cmd.Context(), &queue.Item{
				ID:      "cli",
				Queue:   queue.PatternDetection,
				Payload: queue.Payload{WorkspaceID: workspace},
			})
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id, e.g. user:alice or team:core")
	cmd.Flags().BoolVar(&noLLM, "no-llm", false, "skip LLM discovery")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Decay stale patterns and boost well-evidenced ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), options{})
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.pipeline.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Retry failed items and dead-letter exhausted ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), options{})
			if err != nil {
				return err
			}
			defer a.Close()
			requeued, dead, err := a.pipeline.Requeue(cmd.Context(), a.cfg.Queue.MaxRetries)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"requeued": requeued, "dead_letter": dead})
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed items and finished jobs past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), options{})
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.pipeline.Cleanup(cmd.Context(), a.cfg.Queue.RetentionPeriod)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"deleted": n})
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job; its unstarted items return to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.queue.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			job, err := a.queue.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	}
}

func newStatsCommand() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show graph counts and queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, options{})
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.graph.Stats(ctx)
			if err != nil {
				return err
			}
			depths, err := a.queue.Depths(ctx)
			if err != nil {
				return err
			}
			sort.Slice(depths, func(i, j int) bool {
				if depths[i].Queue != depths[j].Queue {
					return depths[i].Queue < depths[j].Queue
				}
				return depths[i].Status < depths[j].Status
			})
			out := map[string]any{"graph": counts, "queues": depths}

			if workspace != "" {
				pats, err := a.graph.ListPatterns(ctx, graph.ScopeForWorkspace(workspace), 20)
				if err != nil {
					return err
				}
				out["patterns"] = pats
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "also list this workspace's strongest patterns")
	return cmd
}

func newSimilarCommand() *cobra.Command {
	var workspace string
	var k int
	cmd := &cobra.Command{
		Use:   "similar <text>",
		Short: "List a workspace's summaries nearest to a piece of text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				return fmt.Errorf("--workspace is required")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, options{provider: true})
			if err != nil {
				return err
			}
			defer a.Close()

			vec := a.resolver.Resolve(ctx, embedding.Request{Text: args[0]})
			if vec == nil {
				return fmt.Errorf("no embedding for query text")
			}
			hits, err := a.graph.SimilarSummaries(ctx, graph.ScopeForWorkspace(workspace), vec, k)
			if err != nil {
				return err
			}
			type hit struct {
				SummaryID  string           `json:"summary_id"`
				EntityID   string           `json:"entity_id"`
				EntityType graph.EntityType `json:"entity_type"`
				Project    string           `json:"project_name"`
				Similarity float64          `json:"similarity"`
			}
			out := make([]hit, 0, len(hits))
			for _, h := range hits {
				out = append(out, hit{h.Summary.ID, h.Summary.EntityID, h.Summary.EntityType, h.Summary.ProjectName, h.Similarity})
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace to search")
	cmd.Flags().IntVarP(&k, "limit", "k", 10, "number of hits")
	return cmd
}
