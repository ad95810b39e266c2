package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ToolRelay-Chain/sdk/go/toolrelay"
)

const (
	envServer = "TOOLRELAY_URL"
	envToken  = "TOOLRELAY_TOKEN"
)

type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
	retries int
	asJSON  bool
}

type queryOptions struct {
	id   string
	tool string
	args []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "toolrelay",
		Short:        "Command line client for the ToolRelay API",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr(envServer, "http://127.0.0.1:8080"), "ToolRelay API base URL")
	flags.StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall request timeout")
	flags.IntVar(&opts.retries, "retries", 2, "retries for connection errors and 5xx responses")
	flags.BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	root.AddCommand(newToolsCmd(opts), newQueryCmd(opts), newTaskCmd(opts))
	return root
}

func (o *rootOptions) client() (*toolrelay.Client, error) {
	return toolrelay.NewClient(o.server, toolrelay.WithToken(o.token), toolrelay.WithRetry(o.retries))
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(cmd, opts.timeout)
			defer cancel()
			tools, err := client.ListTools(ctx)
			if err != nil {
				return fmt.Errorf("list tools: %w", err)
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), tools)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPARAMETERS\tDESCRIPTION")
			for _, tool := range tools {
				params := make([]string, 0, len(tool.Parameters))
				for _, p := range tool.Parameters {
					name := p.Name + ":" + p.Type
					if !p.Required {
						name += "?"
					}
					params = append(params, name)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Name, strings.Join(params, ","), tool.Description)
			}
			return w.Flush()
		},
	}
}

func bindQueryFlags(cmd *cobra.Command, q *queryOptions) {
	cmd.Flags().StringVar(&q.id, "id", "", "query or task id")
	cmd.Flags().StringVar(&q.tool, "tool", "", "tool to invoke; empty lets the composer answer directly")
	cmd.Flags().StringArrayVar(&q.args, "arg", nil, "positional tool argument, parsed as JSON when possible (repeatable)")
}

func (q *queryOptions) build(text string) (toolrelay.Query, error) {
	args, err := parseArgs(q.args)
	if err != nil {
		return toolrelay.Query{}, err
	}
	return toolrelay.Query{ID: q.id, Query: text, Tool: q.tool, Args: args}, nil
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	q := &queryOptions{}
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a query synchronously",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := q.build(strings.Join(args, " "))
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(cmd, opts.timeout)
			defer cancel()
			res, err := client.Query(ctx, payload)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), []toolrelay.Result{res})
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	bindQueryFlags(cmd, q)
	return cmd
}

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect asynchronous query tasks",
	}

	q := &queryOptions{}
	var wait bool
	submit := &cobra.Command{
		Use:   "submit <text>",
		Short: "Queue a query for asynchronous execution",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := q.build(strings.Join(args, " "))
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(cmd, opts.timeout)
			defer cancel()
			task, err := client.SubmitTask(ctx, payload)
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			if wait {
				if task, err = client.WaitTask(ctx, task.ID, time.Second); err != nil {
					return fmt.Errorf("wait task: %w", err)
				}
			}
			return printTask(cmd.OutOrStdout(), task, opts.asJSON)
		},
	}
	bindQueryFlags(submit, q)
	submit.Flags().BoolVar(&wait, "wait", false, "poll until the task is finished")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := contextWithTimeout(cmd, opts.timeout)
			defer cancel()
			task, err := client.GetTask(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			return printTask(cmd.OutOrStdout(), task, opts.asJSON)
		},
	}

	cmd.AddCommand(submit, get)
	return cmd
}

// parseArgs 把命令行参数解析为 JSON 基本类型，无法解析时按字符串处理。
func parseArgs(raw []string) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, arg := range raw {
		dec := json.NewDecoder(strings.NewReader(arg))
		dec.UseNumber()
		var value any
		if err := dec.Decode(&value); err != nil || dec.More() {
			out = append(out, arg)
			continue
		}
		switch value.(type) {
		case string, bool, json.Number:
			out = append(out, value)
		case nil:
			out = append(out, arg)
		default:
			return nil, fmt.Errorf("argument %q must be a string, number or boolean", arg)
		}
	}
	return out, nil
}

func printResult(w io.Writer, res toolrelay.Result) {
	fmt.Fprintf(w, "status:    %s\n", res.Status)
	fmt.Fprintf(w, "reasoning: %s\n", res.Reasoning)
	fmt.Fprintf(w, "response:  %s\n", res.Response)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "error:     %s\n", e)
	}
}

func printTask(w io.Writer, task toolrelay.Task, asJSON bool) error {
	if asJSON {
		return printJSON(w, task)
	}
	fmt.Fprintf(w, "id:        %s\n", task.ID)
	fmt.Fprintf(w, "state:     %s (attempt %d/%d)\n", task.Status, task.Attempts, task.MaxRetries)
	if task.LastError != "" {
		fmt.Fprintf(w, "last error: [%s] %s\n", task.ErrorCode, task.LastError)
	}
	if task.Result != nil {
		printResult(w, *task.Result)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func contextWithTimeout(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
