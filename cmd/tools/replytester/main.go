package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/support-desk/backend/internal/app"
	"github.com/zhouzirui/support-desk/backend/internal/config"
	"github.com/zhouzirui/support-desk/backend/internal/logging"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
	supportService "github.com/zhouzirui/support-desk/backend/internal/service/support"
)

var defaultMessages = []string{
	"Where is my order #1001?",
	"Can you refund it instead?",
}

type cli struct {
	timeout  time.Duration
	verbose  bool
	customer support.Customer
	out      io.Writer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:   "replytester [message...]",
		Short: "Drive the support desk in-process from the terminal",
		Long: `replytester starts a session for a test customer, sends each message in
order and prints the final reply, tool calls and actions for every turn,
followed by the full session trace. Without arguments it sends an order
status question and a refund follow-up.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = defaultMessages
			}
			return c.withDesk(cmd.Context(), func(ctx context.Context, svc *supportService.Service) error {
				session, err := svc.StartSession(ctx, c.customer)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Started session %s\n\n", session.ID)
				for _, message := range args {
					if err := c.reply(ctx, svc, session.ID, message); err != nil {
						return err
					}
				}
				return c.printTrace(ctx, svc, session.ID, false)
			})
		},
	}

	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 3*time.Minute, "Overall deadline for the run")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Print pipeline events as they happen")
	root.Flags().StringVar(&c.customer.Email, "email", "alice@example.com", "Customer email")
	root.Flags().StringVar(&c.customer.FirstName, "first-name", "Alice", "Customer first name")
	root.Flags().StringVar(&c.customer.LastName, "last-name", "Smith", "Customer last name")
	root.Flags().StringVar(&c.customer.ExternalID, "customer-id", "gid://shopify/Customer/7424155189325", "Shopify customer id")

	root.AddCommand(&cobra.Command{
		Use:   "reply <session-id> <message>",
		Short: "Send one message to an existing session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDesk(cmd.Context(), func(ctx context.Context, svc *supportService.Service) error {
				return c.reply(ctx, svc, args[0], args[1])
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "trace <session-id>",
		Short: "Print the stored trace of a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDesk(cmd.Context(), func(ctx context.Context, svc *supportService.Service) error {
				return c.printTrace(ctx, svc, args[0], true)
			})
		},
	})

	return root
}

func (c *cli) withDesk(parent context.Context, run func(context.Context, *supportService.Service) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level := cfg.Log.Level
	if !c.verbose {
		level = zerolog.LevelWarnValue
	}
	logger := logging.NewWithWriter(logging.Config{Level: level, Format: "console"}, os.Stderr)

	desk, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer desk.Close()

	return run(ctx, desk.Support)
}

func (c *cli) reply(ctx context.Context, svc *supportService.Service, sessionID, message string) error {
	fmt.Fprintf(c.out, ">>> Customer: %s\n", message)

	var observer pipeline.Observer
	if c.verbose {
		observer = pipeline.ObserverFunc(func(e pipeline.Event) {
			fmt.Fprintf(c.out, "    [%s] %s %s%s\n", e.Stage, e.Type, e.Outcome, toolName(e))
		})
	}

	res, err := svc.Reply(ctx, sessionID, message, observer)
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	printResult(c.out, res)
	return nil
}

func toolName(e pipeline.Event) string {
	if e.ToolCall == nil {
		return ""
	}
	return " " + e.ToolCall.Name
}

func printResult(out io.Writer, res *supportService.ReplyResult) {
	if res == nil {
		fmt.Fprint(out, "[Session escalated - no automatic reply]\n\n")
		return
	}
	fmt.Fprintln(out, "--- Final message to customer ---")
	fmt.Fprintln(out, res.FinalMessage)
	fmt.Fprintln(out, "\n--- Tool calls ---")
	for _, tc := range res.ToolCalls {
		result := tc.Result.JSON()
		if len(result) > 200 {
			result = result[:200] + "..."
		}
		fmt.Fprintf(out, "  %s/%s: in=%s -> out=%s\n", tc.Stage, tc.Name, tc.Arguments, result)
	}
	fmt.Fprintln(out, "\n--- Actions taken ---")
	for _, a := range res.Actions {
		fmt.Fprintf(out, "  - %s\n", a)
	}
	fmt.Fprintln(out)
}

func (c *cli) printTrace(ctx context.Context, svc *supportService.Service, sessionID string, asJSON bool) error {
	trace, err := svc.Trace(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(trace)
	}
	fmt.Fprintln(c.out, "--- Full session trace ---")
	fmt.Fprintf(c.out, "Session %s, escalated: %t\n", trace.Session.ID, trace.Escalated)
	fmt.Fprintf(c.out, "Messages: %d\n", len(trace.Messages))
	fmt.Fprintf(c.out, "Tool calls: %d\n", len(trace.ToolCalls))
	if trace.Escalation != nil {
		fmt.Fprintf(c.out, "Escalation (%s stage): %s\n", trace.Escalation.Stage, trace.Escalation.Reason)
	}
	return nil
}
