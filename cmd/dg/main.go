package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"draftgate/internal/config"
	"draftgate/internal/db"
	"draftgate/internal/domain"
	"draftgate/internal/engine"
	"draftgate/internal/logging"
	"draftgate/internal/migrate"
	"draftgate/internal/repo"
	"draftgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dg",
	Short: "Draftgate CLI",
	Long: `Draftgate gates CMS content changes behind an approval workflow.
Core concepts:
- Workspace: the .draftgate directory holding the database and draftgate.yml.
- Workflow: a proposed change (create/update/delete of some entity) moving
  draft -> pending_review -> in_review -> approved/rejected, with
  changes_requested looping back to the creator.
- Claim: a reviewer takes exclusive review rights; only the assignee decides.
- Approvals: the immutable audit trail of decisions and comments.
- Policy: per-entity-type config deciding whether a submission needs review
  at all, or skips straight to approved for privileged roles.
- Event log: the diary of everything that happened, view with 'dg log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRAFTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage approval workflows",
		Long:  "Workflows carry a proposed content change through review. Create a draft, submit it, have a reviewer claim it, then approve, reject, or request changes.",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowSubmitCmd())
	wf.AddCommand(workflowClaimCmd())
	wf.AddCommand(workflowDecideCmd("approve", "Approve the claimed workflow", engine.Engine.Approve))
	wf.AddCommand(workflowDecideCmd("reject", "Reject the claimed workflow", engine.Engine.Reject))
	wf.AddCommand(workflowDecideCmd("request-changes", "Send the workflow back to its creator", engine.Engine.RequestChanges))
	wf.AddCommand(workflowCommentCmd())
	wf.AddCommand(workflowUpdateCmd())
	wf.AddCommand(workflowCancelCmd())
	wf.AddCommand(workflowHistoryCmd())
	wf.AddCommand(workflowAssignCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var dueDate string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Actor = actor()
			opts.DueDate = dueDate
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type (e.g. article, page)")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "target entity id (empty for create operations)")
	cmd.Flags().StringVar(&opts.Operation, "operation", "create", "operation (create, update, delete)")
	cmd.Flags().StringVar(&opts.PayloadJSON, "payload-json", "", "proposed content JSON")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (lower is higher)")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "review due date (RFC3339)")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("payload-json")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ActingUser = viper.GetString("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, total, err := e.Repo.ListWorkflows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Op", "Status", "Assignee", "Created By"})
				for _, w := range items {
					assignee := ""
					if w.AssignedTo != nil {
						assignee = *w.AssignedTo
					}
					tw.AppendRow(table.Row{w.ID, w.EntityType, w.Operation, w.Status, assignee, w.CreatedBy})
				}
				tw.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().BoolVar(&f.Mine, "mine", false, "only workflows I created or review")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number (1-indexed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "page size")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a workflow for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Submit(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a workflow for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Claim(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowDecideCmd(name, short string, run func(engine.Engine, context.Context, string, engine.Identity, string) (domain.Workflow, error)) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := run(e, ctx, args[0], actor(), comment)
				var applyErr engine.ApplyError
				if errors.As(err, &applyErr) {
					fmt.Fprintf(os.Stderr, "warning: approved but apply failed: %v\n", applyErr.Err)
					err = nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	return cmd
}

func workflowCommentCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Add a comment without changing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Comment(ctx, args[0], actor(), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment text")
	_ = cmd.MarkFlagRequired("comment")
	return cmd
}

func workflowUpdateCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the proposed payload of an editable workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdatePayload(ctx, args[0], actor(), payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload-json", "", "new content JSON")
	_ = cmd.MarkFlagRequired("payload-json")
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a workflow that has not entered review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Cancel(ctx, args[0], actor()); err != nil {
					return err
				}
				fmt.Println("canceled")
				return nil
			})
		},
	}
	return cmd
}

func workflowHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the approval trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Reviewer", "Action", "From", "To", "Comment"})
				for _, a := range items {
					name := a.ReviewerID
					if a.ReviewerName != "" {
						name = a.ReviewerName
					}
					tw.AppendRow(table.Row{a.CreatedAt, name, a.Action, a.FromStatus, a.ToStatus, a.Comment})
				}
				tw.Render()
				approvals, err := e.Repo.CountApprovalsByAction(ctx, args[0], domain.ActionApprove)
				if err != nil {
					return err
				}
				fmt.Printf("approvals: %d\n", approvals)
				return nil
			})
		},
	}
	return cmd
}

func workflowAssignCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Declare a reviewer assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddAssignment(ctx, args[0], user, role, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "reviewer", "assignment role (reviewer, approver, observer)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage approval configs",
		Long:  "Per-entity-type approval policy: whether submissions require review, which roles bypass it, and which lifecycle events notify webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configListCmd())
	cfg.AddCommand(configGetCmd())
	cfg.AddCommand(configSetCmd())
	cfg.AddCommand(configSeedCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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
	return cmd
}

func configListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored approval configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflowConfigs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func configGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <entity-type>",
		Short: "Show the approval config for an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.Repo.GetWorkflowConfig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func configSetCmd() *cobra.Command {
	var cfg domain.WorkflowConfig
	cmd := &cobra.Command{
		Use:   "set <entity-type>",
		Short: "Create or update the approval config for an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.EntityType = args[0]
			if cfg.MinApprovers < 1 {
				cfg.MinApprovers = 1
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpsertWorkflowConfig(ctx, cfg); err != nil {
					return err
				}
				stored, err := e.Repo.GetWorkflowConfig(ctx, cfg.EntityType)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().BoolVar(&cfg.RequiresApproval, "requires-approval", true, "whether submissions need review")
	cmd.Flags().StringArrayVar(&cfg.AutoApproveForRoles, "auto-approve-role", []string{}, "role bypassing review (repeatable)")
	cmd.Flags().IntVar(&cfg.MinApprovers, "min-approvers", 1, "approvers required (reserved, single approver enforced)")
	cmd.Flags().BoolVar(&cfg.NotifyOnSubmit, "notify-on-submit", false, "notify webhooks on submission")
	cmd.Flags().BoolVar(&cfg.NotifyOnComplete, "notify-on-complete", false, "notify webhooks on completion")
	return cmd
}

func configSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed approval configs from draftgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				seeded, err := seedEntityTypes(ctx, e.Repo, cfg)
				if err != nil {
					return err
				}
				fmt.Printf("seeded %d entity types\n", seeded)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workflow counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountWorkflowsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Println("Workflows:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Manage user roles",
		Long:  "Roles feed the auto-approval policy: a submitter holding a configured bypass role skips review.",
	}
	role.AddCommand(roleGrantCmd())
	role.AddCommand(roleRevokeCmd())
	role.AddCommand(roleListCmd())
	return role
}

func roleGrantCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureUser(ctx, nil, user, now); err != nil {
					return err
				}
				return e.Repo.AssignRole(ctx, user, role)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role slug")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeRole(ctx, user, role)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role slug")
	return cmd
}

func roleListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("user-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.UserRoles(ctx, user)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --user-id)")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	user.AddCommand(userSetNameCmd())
	return user
}

func userSetNameCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "set-name",
		Short: "Set a user's display name",
		Long:  "The display name is shown next to the reviewer id in approval histories.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("user-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureUser(ctx, nil, user, now); err != nil {
					return err
				}
				return e.Repo.SetUserDisplayName(ctx, user, name)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --user-id)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = viper.GetString("user-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureUser(ctx, nil, user, now); err != nil {
					return err
				}
				plaintext := "dgk_" + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    user,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: now,
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key (store it now, it is not shown again): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to --user-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging.Level)
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)
			if _, err := seedEntityTypes(cmd.Context(), e.Repo, cfg); err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("DRAFTGATE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			if jwtSecret == "" && !cfg.Server.AllowLegacyActorHeader {
				return fmt.Errorf("jwt secret is required; set server.jwt_secret or DRAFTGATE_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowDevLogin:          cfg.Server.AllowDevLogin,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, cfg.Webhooks, logger)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Draftgate API")
			fmt.Printf("Serving Draftgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// seedEntityTypes writes draftgate.yml entity types into workflow_configs,
// skipping types the API has already configured.
func seedEntityTypes(ctx context.Context, r repo.Repo, cfg *config.Config) (int, error) {
	seeded := 0
	for entityType, et := range cfg.EntityTypes {
		if _, err := r.GetWorkflowConfig(ctx, entityType); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return seeded, err
		}
		requires := true
		if et.RequiresApproval != nil {
			requires = *et.RequiresApproval
		}
		minApprovers := et.MinApprovers
		if minApprovers < 1 {
			minApprovers = 1
		}
		wc := domain.WorkflowConfig{
			EntityType:          entityType,
			RequiresApproval:    requires,
			AutoApproveForRoles: et.AutoApproveForRoles,
			MinApprovers:        minApprovers,
			NotifyOnSubmit:      et.NotifyOnSubmit,
			NotifyOnComplete:    et.NotifyOnComplete,
		}
		if err := r.UpsertWorkflowConfig(ctx, wc); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func actor() engine.Identity {
	return engine.Identity{ID: viper.GetString("user-id")}
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
