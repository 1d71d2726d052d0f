package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-investigator/internal/api"
	"github.com/miradorstack/mirador-investigator/internal/models"
)

func notebookCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notebook",
		Short: "Manage notebooks",
	}

	var (
		index     string
		timeField string
		summary   string
	)
	create := &cobra.Command{
		Use:   "create PATH",
		Short: "Create an empty notebook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &api.CreateNotebookRequest{
				Path: args[0],
				Context: models.NotebookContext{
					Index:     index,
					TimeField: timeField,
					Summary:   summary,
				},
			}
			return g.call(cmd, func(ctx context.Context, c Client) error {
				resp, err := c.CreateNotebook(ctx, req)
				if err != nil {
					return err
				}
				if g.json {
					return g.printJSON(cmd.OutOrStdout(), resp.Notebook)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Notebook.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&index, "index", "", "Index pattern under investigation")
	create.Flags().StringVar(&timeField, "time-field", "", "Timestamp field of the index")
	create.Flags().StringVar(&summary, "summary", "", "Initial investigation summary")

	cmd.AddCommand(create)
	return cmd
}

func investigateCmd(g *globals) *cobra.Command {
	var (
		hypothesis int
		exclusive  bool
	)
	cmd := &cobra.Command{
		Use:   "investigate NOTEBOOK_ID QUESTION...",
		Short: "Run one investigation cycle and print the resulting hypotheses",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &api.InvestigateRequest{
				NotebookID: args[0],
				Question:   strings.Join(args[1:], " "),
				Exclusive:  exclusive,
			}
			if hypothesis >= 0 {
				req.HypothesisIndex = &hypothesis
			}
			return g.call(cmd, func(ctx context.Context, c Client) error {
				resp, err := c.Investigate(ctx, req)
				if err != nil {
					return err
				}
				if g.json {
					return g.printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s hypothesis %d (%d new findings)\n", resp.Operation, resp.HypothesisIndex, len(resp.FindingParagraphs))
				return writeHypotheses(cmd.OutOrStdout(), resp.Hypotheses)
			})
		},
	}
	cmd.Flags().IntVar(&hypothesis, "hypothesis", -1, "Index of the hypothesis to refine")
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "Fail instead of superseding a running investigation")
	return cmd
}

func cancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel NOTEBOOK_ID",
		Short: "Cancel the investigation running on a notebook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c Client) error {
				resp, err := c.CancelInvestigation(ctx, &api.CancelInvestigationRequest{NotebookID: args[0]})
				if err != nil {
					return err
				}
				if resp.Cancelled {
					fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "no investigation running")
				}
				return nil
			})
		},
	}
}

func findingCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finding",
		Short: "Manage analyst findings",
	}

	var hypothesis int
	add := &cobra.Command{
		Use:   "add NOTEBOOK_ID TEXT...",
		Short: "Attach an analyst finding to a hypothesis",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &api.AddFindingRequest{
				NotebookID:      args[0],
				HypothesisIndex: hypothesis,
				Text:            strings.Join(args[1:], " "),
			}
			return g.call(cmd, func(ctx context.Context, c Client) error {
				resp, err := c.AddFinding(ctx, req)
				if err != nil {
					return err
				}
				if g.json {
					return g.printJSON(cmd.OutOrStdout(), resp.Paragraph)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Paragraph.ID)
				return nil
			})
		},
	}
	add.Flags().IntVar(&hypothesis, "hypothesis", 0, "Index of the hypothesis the finding supports")

	cmd.AddCommand(add)
	return cmd
}

func hypothesesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "hypotheses NOTEBOOK_ID",
		Short: "Show a notebook's hypotheses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c Client) error {
				resp, err := c.GetHypotheses(ctx, &api.GetHypothesesRequest{NotebookID: args[0]})
				if err != nil {
					return err
				}
				if g.json {
					return g.printJSON(cmd.OutOrStdout(), resp)
				}
				if r := resp.Running; r != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "running since %s: %q task=%s state=%s\n",
						r.StartedAt.Format("15:04:05"), r.Question, r.TaskID, r.TaskState)
				}
				return writeHypotheses(cmd.OutOrStdout(), resp.Hypotheses)
			})
		},
	}
}

func paragraphsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "paragraphs NOTEBOOK_ID",
		Short: "List a notebook's paragraphs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c Client) error {
				resp, err := c.ListParagraphs(ctx, &api.ListParagraphsRequest{NotebookID: args[0]})
				if err != nil {
					return err
				}
				if g.json {
					return g.printJSON(cmd.OutOrStdout(), resp.Paragraphs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tTEXT")
				for _, p := range resp.Paragraphs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Input.InputType, firstLine(p.Input.InputText))
				}
				return tw.Flush()
			})
		},
	}
}

func writeHypotheses(w io.Writer, hypotheses []models.Hypothesis) error {
	if len(hypotheses) == 0 {
		_, err := fmt.Fprintln(w, "no hypotheses")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLIKELIHOOD\tTITLE\tFINDINGS\tPENDING")
	for i, h := range hypotheses {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\n", i, h.Likelihood, h.Title, len(h.SupportingFindingParagraphIDs), len(h.NewAddedFindingIDs))
	}
	return tw.Flush()
}

// firstLine returns the first non-directive line of a paragraph, shortened for tables.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		if r := []rune(line); len(r) > 60 {
			return string(r[:57]) + "..."
		}
		return line
	}
	return ""
}
