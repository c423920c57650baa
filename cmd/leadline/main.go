package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/fee"
	"leadline/internal/leads"
	"leadline/internal/ledger"
	"leadline/internal/orchestrator"
	"leadline/internal/proposal"
	"leadline/internal/repo"
	"leadline/internal/server"
	"leadline/internal/watcher"
)

var rootCmd = &cobra.Command{
	Use:   "leadline",
	Short: "Outreach lifecycle and approval controller",
	Long: `Leadline drafts outreach emails for inspection leads, waits for a human to
approve each draft, and sends approved drafts exactly once.

- Drafts are written to the draft store (drafts/Outbound by default).
  Approve one by renaming it to start with "APPROVED_" or by adding the line
  "APPROVED" at the top of its body, or run 'leadline approve <draft-id>'.
- 'leadline run' turns new leads into drafts and drafts follow-ups that are due.
- 'leadline watch' sends approved drafts and archives them.
- 'leadline status' lists pending work, overdue follow-ups and unconfirmed sends.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("status") {
			return runStatus(cmd.Context())
		}
		return cmd.Help()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "log messages instead of sending them")
	rootCmd.Flags().Bool("status", false, "show ledger status and exit")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("dry-run", rootCmd.PersistentFlags().Lookup("dry-run"))
	_ = viper.BindPFlag("status", rootCmd.Flags().Lookup("status"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(feeCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(skipCmd())
	rootCmd.AddCommand(repliedCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create leadline.yml and the draft folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg := config.Default()
			cfg.Resolve(workspace)
			for _, dir := range []string{filepath.Join(cfg.Drafts.Root, cfg.Drafts.Outbox), cfg.Drafts.Archive} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			fmt.Printf("Wrote %s\nDrafts go to %s\n", path, filepath.Join(cfg.Drafts.Root, cfg.Drafts.Outbox))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd() *cobra.Command {
	var candidatesPath string
	var noFollowups bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Draft outreach for new leads and follow-ups that are due",
		Long:  "Reads candidates from a YAML or JSON file (a top-level 'candidates' list), advances each one through the lifecycle, then drafts follow-ups for sent projects with no reply. Nothing is sent: every draft waits for approval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var candidates []leads.Candidate
				var rejected []leads.Rejected
				if candidatesPath != "" {
					batch, err := leads.Load(afero.NewOsFs(), candidatesPath)
					if err != nil {
						return err
					}
					candidates, rejected = batch.Candidates, batch.Rejected
					for _, r := range rejected {
						a.Log.Warn().Err(r.Err).Int("index", r.Index).Str("identity", r.Candidate.Identity()).Msg("candidate rejected")
					}
				}
				orch := a.Orchestrator()
				rep, err := orch.Run(ctx, candidates)
				if err != nil {
					return err
				}
				if !noFollowups {
					fu, err := orch.RunFollowups(ctx)
					if err != nil {
						return err
					}
					rep.Outcomes = append(rep.Outcomes, fu.Outcomes...)
				}
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
				} else {
					printOutcomes(rep)
				}
				if n := len(rep.Failed()) + len(rejected); n > 0 {
					return fmt.Errorf("%d candidate(s) not advanced", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&candidatesPath, "candidates", "c", "", "candidates file (YAML or JSON)")
	cmd.Flags().BoolVar(&noFollowups, "no-followups", false, "skip the follow-up sweep")
	return cmd
}

func printOutcomes(rep orchestrator.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Identity", "Action", "State", "Draft", "Note"})
	for _, o := range rep.Outcomes {
		note := o.Reason
		if o.Error != "" {
			note = "error: " + o.Error
		}
		tw.AppendRow(table.Row{o.Identity, o.Action, o.State, o.DraftID, note})
	}
	tw.AppendFooter(table.Row{"", "drafted", rep.Count(orchestrator.ActionDraft) + rep.Count(orchestrator.ActionResume), "follow-ups", rep.Count(orchestrator.ActionFollowup)})
	tw.Render()
}

func watchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Send approved drafts",
		Long:  "Polls the draft store and sends each approved draft exactly once, then archives it. A send that was started but never confirmed is reported and left for 'leadline resolve'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := a.Watcher()
				if !once {
					return w.Run(ctx)
				}
				rep, err := w.Poll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Draft", "Identity", "Result", "Reason"})
				for _, it := range rep.Items {
					tw.AppendRow(table.Row{it.DraftID, it.Identity, it.Result, it.Reason})
				}
				tw.Render()
				if n := rep.Count(watcher.ResultFailed); n > 0 {
					return fmt.Errorf("%d send(s) failed", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single poll and exit")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending work, overdue follow-ups and unconfirmed sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		rep, err := a.Status(ctx)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(rep)
		}
		printStatus(rep)
		return nil
	})
}

func printStatus(rep ledger.Report) {
	counts := table.NewWriter()
	counts.SetOutputMirror(os.Stdout)
	counts.SetTitle("Projects by state")
	counts.AppendHeader(table.Row{"State", "Count"})
	for _, s := range domain.States {
		counts.AppendRow(table.Row{s, rep.Counts[s]})
	}
	counts.Render()

	section := func(title string, items []domain.Project, extra func(domain.Project) string) {
		fmt.Printf("\n%s: %d\n", title, len(items))
		if len(items) == 0 {
			return
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Identity", "State", "Draft", "Last action", ""})
		for _, p := range items {
			tw.AppendRow(table.Row{p.Identity, p.State, p.DraftID, p.LastActionAt, extra(p)})
		}
		tw.Render()
	}
	section("Pending", rep.Pending, func(p domain.Project) string {
		if f, ok := rep.Failures[p.Identity]; ok {
			return f.Action + ": " + f.Reason
		}
		return ""
	})
	section("Follow-up overdue", rep.Overdue, func(p domain.Project) string { return "sent " + p.SentAt })
	section("Unconfirmed sends", rep.Unconfirmed, func(p domain.Project) string { return "started " + p.SendingSince })
}

func projectsCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List ledger records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.Filter{Limit: limit}
				if state != "" {
					s := domain.State(strings.ToUpper(state))
					if !s.Valid() {
						return fmt.Errorf("unknown state %q", state)
					}
					f.States = []domain.State{s}
				}
				items, err := a.Ledger.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identity", "State", "Contact", "Draft", "Follow-ups", "Last action"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Identity, p.State, p.Contact.Email, p.DraftID, p.Followups, p.LastActionAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <identity>",
		Short: "Show a project's action log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Ledger.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Action", "State", "Draft", "Reason"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.TS, h.Action, h.State, h.DraftID, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func feeCmd() *cobra.Command {
	var proposalPath, tier string
	var price float64
	var rows []string
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Compute a fee table",
		Long:  "Computes the proposal fee table from a proposal definition file, or from --price and repeated --row keyword=visits flags, and places it on the configured line items.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			var def proposal.Definition
			if proposalPath != "" {
				if def, err = proposal.Load(afero.NewOsFs(), proposalPath); err != nil {
					return err
				}
			} else {
				parsed, err := parseRows(rows)
				if err != nil {
					return err
				}
				def = proposal.Definition{ClientShort: "-", ProjectName: "-", Rows: parsed, Tier: tier}
			}
			if price > 0 {
				def.PricePerVisit = price
			}
			if def.PricePerVisit == 0 {
				def.PricePerVisit = fee.Suggest(cfg.TierTable(), def.Tier, fee.Dollars(cfg.Fee.PricePerVisit)).Float()
			}
			if len(def.LineItems) == 0 {
				def.LineItems = cfg.Fee.LineItems
			}
			p, err := proposal.Build(def, cfg.TierTable(), time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"table": p.Table, "items": p.Filled.Items, "advice": p.Advice})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Item", "Visits", "Fee"})
			for _, it := range p.Filled.Items {
				tw.AppendRow(table.Row{it.Label, it.Visits, it.Fee})
			}
			tw.AppendFooter(table.Row{"Total at " + p.Table.PricePerVisit.String() + "/visit", p.Table.TotalVisits, p.Table.TotalFee})
			tw.Render()
			if p.Advice != "" {
				fmt.Println("note:", p.Advice)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&proposalPath, "proposal", "p", "", "proposal definition file (YAML or JSON)")
	cmd.Flags().Float64Var(&price, "price", 0, "price per visit in dollars")
	cmd.Flags().StringArrayVar(&rows, "row", nil, "fee row as keyword=visits (repeatable)")
	cmd.Flags().StringVar(&tier, "tier", "", "pricing tier (key_large, regular, small_repeat, one_time)")
	return cmd
}

// parseRows reads "keyword=visits" pairs.
func parseRows(in []string) ([]fee.Row, error) {
	out := make([]fee.Row, 0, len(in))
	for _, raw := range in {
		kw, visits, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(kw) == "" {
			return nil, fmt.Errorf("row %q: want keyword=visits", raw)
		}
		n, err := strconv.Atoi(strings.TrimSpace(visits))
		if err != nil {
			return nil, fmt.Errorf("row %q: %w", raw, err)
		}
		out = append(out, fee.Row{Keyword: strings.TrimSpace(kw), Visits: n})
	}
	return out, nil
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <draft-id>",
		Short: "Approve a draft by renaming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Drafts.Approve(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"draft_id": e.Draft.ID, "path": e.Path})
				}
				fmt.Printf("Approved %s (%s)\n", e.Draft.ID, e.Path)
				return nil
			})
		},
	}
}

func skipCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip <identity>",
		Short: "Exclude a project permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return skipProject(cmd.Context(), args[0], reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "skipped by operator", "reason recorded in history")
	return cmd
}

func repliedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replied <identity>",
		Short: "Record a reply and stop follow-ups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return skipProject(cmd.Context(), args[0], "replied")
		},
	}
}

func skipProject(ctx context.Context, identity, reason string) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		p, err := a.Orchestrator().Skip(ctx, identity, reason)
		if err != nil {
			return err
		}
		return printJSONOrTable(p)
	})
}

func resolveCmd() *cobra.Command {
	var sent, notSent bool
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <identity>",
		Short: "Settle a send that was started but never confirmed",
		Long:  "Check the mailbox first. With --sent the project is recorded as SENT and its draft archived; with --not-sent the send marker is cleared and the next poll sends the draft again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sent == notSent {
				return errors.New("exactly one of --sent or --not-sent is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Watcher().Resolve(ctx, args[0], sent, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&sent, "sent", false, "the message was delivered")
	cmd.Flags().BoolVar(&notSent, "not-sent", false, "the message was not delivered")
	cmd.Flags().StringVar(&note, "note", "", "reason recorded in history")
	return cmd
}

func noteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <identity> <text>",
		Short: "Append a note to a project's history",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Orchestrator().Note(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				w := a.Watcher()
				handler, err := server.New(server.Config{
					Ledger:       a.Ledger,
					Drafts:       a.Drafts,
					Orchestrator: a.Orchestrator(),
					Watcher:      w,
					Policy:       a.Policy(),
					BasePath:     basePath,
					Auth:         server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
					Log:          a.Log.With().Str("component", "server").Logger(),
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, a.Ledger, cfg.Webhooks, a.Log.With().Str("component", "webhooks").Logger())
				if watch {
					go func() {
						if err := w.Run(ctx); err != nil {
							a.Log.Error().Err(err).Msg("watcher stopped")
						}
					}()
				}
				if cfg.Server.JWTSecret == "" {
					a.Log.Warn().Msg("LEADLINE_JWT_SECRET not set; API is unauthenticated")
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Leadline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&watch, "watch", false, "also run the approval watcher")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect leadline.yml",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), nil)
			if err != nil {
				return err
			}
			masked := *cfg
			if masked.Mail.SMTP.Password != "" {
				masked.Mail.SMTP.Password = "********"
			}
			if masked.Server.JWTSecret != "" {
				masked.Server.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(masked)
			}
			out, err := yaml.Marshal(masked)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate leadline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(viper.GetString("workspace"), nil)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		DryRun:    viper.GetBool("dry-run"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
