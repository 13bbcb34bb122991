package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetcheck/internal/app"
	"fleetcheck/internal/config"
	"fleetcheck/internal/db"
	"fleetcheck/internal/domain"
	"fleetcheck/internal/engine"
	"fleetcheck/internal/migrate"
	"fleetcheck/internal/repo"
	"fleetcheck/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fc",
	Short: "Fleetcheck CLI",
	Long: `Fleetcheck runs vehicle inspection checklists for rental and corporate fleets.
Core concepts:
- Workspace: your .fleetcheck directory with only the database; fleet configs live in the DB and are imported explicitly.
- Templates: versioned checklist definitions with sections, questions, validation rules and conditional logic. Structural edits bump the version; executions pin the version they started with.
- Executions: one inspection of one vehicle (exit when it leaves, entry when it returns), moving started -> in_progress -> completed (cancelled is the exit door).
- Fuel reconciliation: entry completions compare fuel against the matching exit and price the difference.
- Divergences: discrepancies found during inspection (damage, missing items, fuel differences).
- Pendencies: charges awaiting approval, moving pending -> approved -> paid (or rejected).
- Event log: diary of everything that happened, view with 'fc log tail'.`,
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
	viper.SetEnvPrefix("FLEETCHECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("fleet", "", "fleet id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("fleet", rootCmd.PersistentFlags().Lookup("fleet"))
}

func registerCommands() {
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(divergenceCmd())
	rootCmd.AddCommand(pendencyCmd())
	rootCmd.AddCommand(fuelCmd())
	rootCmd.AddCommand(fleetCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage checklist templates"}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateUpdateCmd())
	tpl.AddCommand(templateDeleteCmd())
	tpl.AddCommand(templateVersionsCmd())
	tpl.AddCommand(templateSectionCmd())
	tpl.AddCommand(templateQuestionCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var id, name, desc, tplType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template (version 1, draft)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
					ID:          id,
					Name:        name,
					Description: desc,
					Type:        tplType,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "template id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&tplType, "type", "exit", "template type: exit, entry or both")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func templateListCmd() *cobra.Command {
	var tplType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx, repo.TemplateFilters{Type: tplType, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Version", "Status", "Sections", "Questions"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Type, t.Version, t.Status, len(t.Sections), len(t.Questions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tplType, "type", "", "filter by type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func templateShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template (optionally a pinned version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					t   domain.Template
					err error
				)
				if version > 0 {
					t, err = r.GetTemplateVersion(ctx, args[0], version)
				} else {
					t, err = r.GetTemplate(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "show a specific snapshot instead of the live template")
	return cmd
}

func templateUpdateCmd() *cobra.Command {
	var name, desc, tplType, status string
	cmd := &cobra.Command{
		Use:   "update <template-id>",
		Short: "Update template metadata (no version bump)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.TemplateMetaUpdate{ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("description") {
				upd.Description = &desc
			}
			if cmd.Flags().Changed("type") {
				upd.Type = &tplType
			}
			if cmd.Flags().Changed("status") {
				upd.Status = &status
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTemplateMeta(ctx, args[0], upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&tplType, "type", "", "new type: exit, entry or both")
	cmd.Flags().StringVar(&status, "status", "", "new status: active, inactive or draft")
	return cmd
}

func templateDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <template-id>",
		Short: "Delete a template and its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteTemplate(ctx, args[0])
			})
		},
	}
	return cmd
}

func templateVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <template-id>",
		Short: "List snapshot versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				versions, err := r.ListTemplateVersions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(versions)
			})
		},
	}
	return cmd
}

func templateSectionCmd() *cobra.Command {
	sec := &cobra.Command{Use: "section", Short: "Manage template sections"}
	sec.AddCommand(sectionAddCmd())
	sec.AddCommand(sectionUpdateCmd())
	sec.AddCommand(sectionRemoveCmd())
	return sec
}

func sectionAddCmd() *cobra.Command {
	var id, name, desc string
	var order int
	cmd := &cobra.Command{
		Use:   "add <template-id>",
		Short: "Add a section (bumps the template version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.SectionInput{ID: id, Name: name, Description: desc}
			if cmd.Flags().Changed("order") {
				in.Order = &order
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddSection(ctx, args[0], in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "section id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "section name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&order, "order", 0, "display order")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func sectionUpdateCmd() *cobra.Command {
	var name, desc string
	var order int
	cmd := &cobra.Command{
		Use:   "update <template-id> <section-id>",
		Short: "Update a section (bumps the template version)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.SectionInput{Name: name, Description: desc}
			if cmd.Flags().Changed("order") {
				in.Order = &order
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateSection(ctx, args[0], args[1], in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "section name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&order, "order", 0, "display order")
	return cmd
}

func sectionRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <template-id> <section-id>",
		Short: "Remove a section and its questions (bumps the template version)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemoveSection(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func templateQuestionCmd() *cobra.Command {
	q := &cobra.Command{Use: "question", Short: "Manage template questions"}
	q.AddCommand(questionAddCmd())
	q.AddCommand(questionUpdateCmd())
	q.AddCommand(questionRemoveCmd())
	return q
}

func questionAddCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add <template-id>",
		Short: "Add a question from a JSON definition (bumps the template version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := readQuestion(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddQuestion(ctx, args[0], q, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "question definition JSON file ('-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func questionUpdateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <template-id>",
		Short: "Replace a question from a JSON definition (bumps the template version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := readQuestion(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateQuestion(ctx, args[0], q, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "question definition JSON file ('-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func questionRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <template-id> <question-id>",
		Short: "Remove a question (bumps the template version)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemoveQuestion(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func executionCmd() *cobra.Command {
	exec := &cobra.Command{Use: "execution", Short: "Run checklist executions"}
	exec.AddCommand(executionStartCmd())
	exec.AddCommand(executionListCmd())
	exec.AddCommand(executionShowCmd())
	exec.AddCommand(executionRespondCmd())
	exec.AddCommand(executionCompleteCmd())
	exec.AddCommand(executionCancelCmd())
	return exec
}

func executionStartCmd() *cobra.Command {
	var id, templateID, vehicle, contract, driver, execType, obs string
	var templateVersion, mileage int
	var fuelLevel, tankCapacity, costPerLiter, previousLevel float64
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an execution against an active template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateID == "" || vehicle == "" {
				return fmt.Errorf("--template and --vehicle required")
			}
			opts := engine.StartOptions{
				ID:              id,
				TemplateID:      templateID,
				TemplateVersion: templateVersion,
				VehicleID:       vehicle,
				ContractID:      optionalString(contract),
				DriverID:        optionalString(driver),
				Type:            execType,
				ExecutedBy:      viper.GetString("actor-id"),
				Mileage:         mileage,
				Observations:    obs,
				Fuel: domain.FuelLevelData{
					CurrentLevel: fuelLevel,
					TankCapacity: tankCapacity,
				},
			}
			if cmd.Flags().Changed("cost-per-liter") {
				opts.Fuel.CostPerLiter = &costPerLiter
			}
			if cmd.Flags().Changed("previous-level") {
				opts.Fuel.PreviousLevel = &previousLevel
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Start(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "execution id (generated when empty)")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().IntVar(&templateVersion, "template-version", 0, "pin a specific template version (defaults to current)")
	cmd.Flags().StringVar(&vehicle, "vehicle", "", "vehicle id")
	cmd.Flags().StringVar(&contract, "contract", "", "contract id")
	cmd.Flags().StringVar(&driver, "driver", "", "driver id")
	cmd.Flags().StringVar(&execType, "type", "exit", "execution type: exit or entry")
	cmd.Flags().IntVar(&mileage, "mileage", 0, "odometer reading")
	cmd.Flags().Float64Var(&fuelLevel, "fuel-level", 0, "current fuel level percent (0-100)")
	cmd.Flags().Float64Var(&tankCapacity, "tank-capacity", 0, "tank capacity in liters")
	cmd.Flags().Float64Var(&costPerLiter, "cost-per-liter", 0, "fuel price per liter")
	cmd.Flags().Float64Var(&previousLevel, "previous-level", 0, "fuel level at the matching exit (entry only)")
	cmd.Flags().StringVar(&obs, "observations", "", "free-form notes")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("vehicle")
	return cmd
}

func executionListCmd() *cobra.Command {
	var vehicle, contract, execType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExecutions(ctx, repo.ExecutionFilters{
					VehicleID:  vehicle,
					ContractID: contract,
					Type:       execType,
					Status:     status,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Vehicle", "Type", "Status", "Template", "Ver", "Started"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.VehicleID, x.Type, x.Status, x.TemplateID, x.TemplateVersion, x.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&vehicle, "vehicle", "", "filter by vehicle")
	cmd.Flags().StringVar(&contract, "contract", "", "filter by contract")
	cmd.Flags().StringVar(&execType, "type", "", "filter by type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func executionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				x, err := r.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	return cmd
}

func executionRespondCmd() *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "respond <execution-id> <question-id>",
		Short: "Record a response (value parsed as JSON, falls back to plain text)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := parseValue(raw)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.RecordResponse(ctx, args[0], args[1], value, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&raw, "value", "", "response value")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func executionCompleteCmd() *cobra.Command {
	var obs string
	var mileage int
	var fuelLevel, tankCapacity, costPerLiter float64
	var photos, documents []string
	cmd := &cobra.Command{
		Use:   "complete <execution-id>",
		Short: "Complete an execution (entries reconcile fuel)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CompleteOptions{
				Photos:    photos,
				Documents: documents,
				ActorID:   viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("observations") {
				opts.Observations = &obs
			}
			if cmd.Flags().Changed("mileage") {
				opts.Mileage = &mileage
			}
			if cmd.Flags().Changed("fuel-level") {
				fuel := domain.FuelLevelData{CurrentLevel: fuelLevel, TankCapacity: tankCapacity}
				if cmd.Flags().Changed("cost-per-liter") {
					fuel.CostPerLiter = &costPerLiter
				}
				opts.Fuel = &fuel
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Complete(ctx, args[0], opts)
				if err != nil {
					var incomplete *engine.IncompleteChecklistError
					if errors.As(err, &incomplete) && !viper.GetBool("json") {
						fmt.Println("checklist incomplete:")
						for _, f := range incomplete.Failures {
							fmt.Printf("  %s: %s\n", f.QuestionID, strings.Join(f.Messages, "; "))
						}
					}
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&obs, "observations", "", "final notes")
	cmd.Flags().IntVar(&mileage, "mileage", 0, "final odometer reading")
	cmd.Flags().Float64Var(&fuelLevel, "fuel-level", 0, "final fuel level percent")
	cmd.Flags().Float64Var(&tankCapacity, "tank-capacity", 0, "tank capacity in liters")
	cmd.Flags().Float64Var(&costPerLiter, "cost-per-liter", 0, "fuel price per liter")
	cmd.Flags().StringArrayVar(&photos, "photo", nil, "photo reference (repeatable)")
	cmd.Flags().StringArrayVar(&documents, "document", nil, "document reference (repeatable)")
	return cmd
}

func executionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Cancel(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func divergenceCmd() *cobra.Command {
	div := &cobra.Command{Use: "divergence", Short: "Record and resolve divergences"}
	div.AddCommand(divergenceRecordCmd())
	div.AddCommand(divergenceListCmd())
	div.AddCommand(divergenceShowCmd())
	div.AddCommand(divergenceResolveCmd())
	return div
}

func divergenceRecordCmd() *cobra.Command {
	var execution, divType, severity, desc string
	var financialImpact bool
	var estimatedCost float64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a divergence on an execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if execution == "" || desc == "" {
				return fmt.Errorf("--execution and --description required")
			}
			opts := engine.DivergenceRecordOptions{
				ExecutionID:     execution,
				Type:            divType,
				Severity:        severity,
				Description:     desc,
				FinancialImpact: financialImpact,
				ActorID:         viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("estimated-cost") {
				opts.EstimatedCost = &estimatedCost
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordDivergence(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&execution, "execution", "", "execution id")
	cmd.Flags().StringVar(&divType, "type", "other", "divergence type")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (defaults to medium)")
	cmd.Flags().StringVar(&desc, "description", "", "what was found")
	cmd.Flags().BoolVar(&financialImpact, "financial-impact", false, "divergence carries a cost")
	cmd.Flags().Float64Var(&estimatedCost, "estimated-cost", 0, "estimated cost")
	_ = cmd.MarkFlagRequired("execution")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func divergenceListCmd() *cobra.Command {
	var execution string
	var openFinancial bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List divergences by execution, or unresolved ones with financial impact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					items []domain.Divergence
					err   error
				)
				switch {
				case openFinancial:
					items, err = r.ListOpenFinancialDivergences(ctx)
				case execution != "":
					items, err = r.ListDivergencesByExecution(ctx, execution)
				default:
					return fmt.Errorf("--execution or --open-financial required")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Execution", "Type", "Severity", "Resolved", "Financial", "Description"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ExecutionID, d.Type, d.Severity, d.Resolved, d.FinancialImpact, d.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&execution, "execution", "", "execution id")
	cmd.Flags().BoolVar(&openFinancial, "open-financial", false, "unresolved divergences with financial impact")
	return cmd
}

func divergenceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <divergence-id>",
		Short: "Show a divergence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDivergence(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func divergenceResolveCmd() *cobra.Command {
	var resolution, approvedBy, pendencyType, pendencyDesc string
	var pendencyAmount float64
	cmd := &cobra.Command{
		Use:   "resolve <divergence-id>",
		Short: "Resolve a divergence, optionally opening a financial pendency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req *engine.PendencyRequest
			if cmd.Flags().Changed("pendency-amount") {
				req = &engine.PendencyRequest{
					Type:        pendencyType,
					Description: pendencyDesc,
					Amount:      pendencyAmount,
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, p, err := e.ResolveDivergence(ctx, args[0], resolution, approvedBy, req, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := struct {
					Divergence domain.Divergence         `json:"divergence"`
					Pendency   *domain.FinancialPendency `json:"pendency,omitempty"`
				}{d, p}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "how it was settled")
	cmd.Flags().StringVar(&approvedBy, "approved-by", "", "who signed off")
	cmd.Flags().StringVar(&pendencyType, "pendency-type", "other", "pendency type when a charge is due")
	cmd.Flags().StringVar(&pendencyDesc, "pendency-description", "", "pendency description")
	cmd.Flags().Float64Var(&pendencyAmount, "pendency-amount", 0, "charge amount (opens a pendency when set)")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func pendencyCmd() *cobra.Command {
	pnd := &cobra.Command{Use: "pendency", Short: "Approve and settle financial pendencies"}
	pnd.AddCommand(pendencyListCmd())
	pnd.AddCommand(pendencyShowCmd())
	pnd.AddCommand(pendencyApproveCmd())
	pnd.AddCommand(pendencyRejectCmd())
	pnd.AddCommand(pendencyPayCmd())
	pnd.AddCommand(pendencyDispatchCmd())
	return pnd
}

func pendencyListCmd() *cobra.Command {
	var execution, divergence, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pendencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPendencies(ctx, repo.PendencyFilters{
					ExecutionID:  execution,
					DivergenceID: divergence,
					Status:       status,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Execution", "Type", "Amount", "Status", "Due"})
				for _, p := range items {
					due := ""
					if p.DueDate != nil {
						due = *p.DueDate
					}
					tw.AppendRow(table.Row{p.ID, p.ExecutionID, p.Type, fmt.Sprintf("%.2f", p.Amount), p.Status, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&execution, "execution", "", "filter by execution")
	cmd.Flags().StringVar(&divergence, "divergence", "", "filter by divergence")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func pendencyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <pendency-id>",
		Short: "Show a pendency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPendency(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func pendencyApproveCmd() *cobra.Command {
	var approvedBy string
	cmd := &cobra.Command{
		Use:   "approve <pendency-id>",
		Short: "Approve a pending pendency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who := approvedBy
				if who == "" {
					who = viper.GetString("actor-id")
				}
				p, err := e.ApprovePendency(ctx, args[0], who)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&approvedBy, "approved-by", "", "approver (defaults to --actor-id)")
	return cmd
}

func pendencyRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <pendency-id>",
		Short: "Reject a pending pendency (terminal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RejectPendency(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func pendencyPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay <pendency-id>",
		Short: "Mark an approved pendency as paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.MarkPendencyPaid(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func pendencyDispatchCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "dispatch <pendency-id>...",
		Short: "Send pendencies to the financial system",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.SendToFinancial(ctx, args, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes forwarded with the batch")
	return cmd
}

func fuelCmd() *cobra.Command {
	fuel := &cobra.Command{Use: "fuel", Short: "Fuel calculations"}
	fuel.AddCommand(fuelReconcileCmd())
	return fuel
}

func fuelReconcileCmd() *cobra.Command {
	var exitLevel, entryLevel, capacity, price float64
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Preview a fuel reconciliation without touching any execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("price") {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					rec, err := engine.Reconcile(exitLevel, entryLevel, capacity, e.Config.Fuel.StandardPricePerLiter)
					if err != nil {
						return err
					}
					return printJSONOrTable(rec)
				})
			}
			rec, err := engine.Reconcile(exitLevel, entryLevel, capacity, price)
			if err != nil {
				return err
			}
			return printJSONOrTable(rec)
		},
	}
	cmd.Flags().Float64Var(&exitLevel, "exit", 0, "fuel level percent at exit")
	cmd.Flags().Float64Var(&entryLevel, "entry", 0, "fuel level percent at entry")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "tank capacity in liters")
	cmd.Flags().Float64Var(&price, "price", 0, "price per liter (defaults to fleet config)")
	_ = cmd.MarkFlagRequired("exit")
	_ = cmd.MarkFlagRequired("entry")
	_ = cmd.MarkFlagRequired("capacity")
	return cmd
}

func fleetCmd() *cobra.Command {
	fleet := &cobra.Command{Use: "fleet", Short: "Manage fleet configuration"}
	fleet.AddCommand(fleetConfigCmd())
	return fleet
}

func fleetConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Fleet config stored in the DB"}
	cfg.AddCommand(fleetConfigShowCmd())
	cfg.AddCommand(fleetConfigValidateCmd())
	cfg.AddCommand(fleetConfigInitCmd())
	cfg.AddCommand(fleetConfigImportCmd())
	return cfg
}

func fleetConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active fleet config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func fleetConfigValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to fleetcheck.yml in the workspace)")
	return cmd
}

func fleetConfigInitCmd() *cobra.Command {
	var id string
	var write bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print (or write) a default fleetcheck.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			yml := config.GenerateDefault(id)
			if !write {
				fmt.Print(yml)
				return nil
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(yml), 0o644)
		},
	}
	cmd.Flags().StringVar(&id, "id", "fleet-local", "fleet id")
	cmd.Flags().BoolVar(&write, "write", false, "write fleetcheck.yml into the workspace")
	return cmd
}

func fleetConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a config file into the DB for its fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertFleetConfig(ctx, cfg.Fleet.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("imported config for fleet %s\n", cfg.Fleet.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file to import")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fleet snapshot: open executions, unresolved divergences, pending pendencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				templates, err := r.ListTemplates(ctx, repo.TemplateFilters{Status: domain.TemplateActive})
				if err != nil {
					return err
				}
				inProgress, err := r.ListExecutions(ctx, repo.ExecutionFilters{Status: domain.ExecInProgress})
				if err != nil {
					return err
				}
				started, err := r.ListExecutions(ctx, repo.ExecutionFilters{Status: domain.ExecStarted})
				if err != nil {
					return err
				}
				openDiv, err := r.ListOpenFinancialDivergences(ctx)
				if err != nil {
					return err
				}
				pending, err := r.ListPendencies(ctx, repo.PendencyFilters{Status: domain.PendencyPending})
				if err != nil {
					return err
				}
				out := map[string]int{
					"active_templates":           len(templates),
					"open_executions":            len(started) + len(inProgress),
					"open_financial_divergences": len(openDiv),
					"pending_pendencies":         len(pending),
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: template edits, executions, divergences, pendencies.",
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
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Fleet.ID, evtType, entityKind, entityID)
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
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveFleetConfig(cmd.Context(), workspace, viper.GetString("fleet"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			server.StartDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fleetcheck API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveFleetConfig(ctx, workspace, viper.GetString("fleet"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func readQuestion(file string) (domain.Question, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return domain.Question{}, err
	}
	var q domain.Question
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.Question{}, fmt.Errorf("invalid question json: %w", err)
	}
	return q, nil
}

// parseValue accepts JSON literals (numbers, booleans, arrays) and falls
// back to the raw string for plain text answers.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
