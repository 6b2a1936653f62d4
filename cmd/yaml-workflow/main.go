// Command yaml-workflow runs declarative YAML workflows: execute, resume,
// inspect, and validate runs, or serve the engine to agents over MCP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/orieg/yaml-workflow-sub000/internal/engine"
	"github.com/orieg/yaml-workflow-sub000/internal/logging"
	"github.com/orieg/yaml-workflow-sub000/internal/runner"
	"github.com/orieg/yaml-workflow-sub000/internal/scheduler"
	"github.com/orieg/yaml-workflow-sub000/internal/tasks"
	"github.com/orieg/yaml-workflow-sub000/internal/validation"
	"github.com/orieg/yaml-workflow-sub000/pkg/mcp"
)

const usage = `usage: yaml-workflow <command> [flags]

commands:
  run       execute a workflow file in a workspace
  resume    resume a failed run at a step
  status    print the persisted state and events of a workspace
  validate  check a workflow file without running it
  tasks     list available tasks
  serve     serve the engine over MCP stdio (plus configured schedules)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, cfg, logger, os.Args[2:])
	case "resume":
		err = cmdResume(ctx, cfg, logger, os.Args[2:])
	case "status":
		err = cmdStatus(ctx, cfg, logger, os.Args[2:])
	case "validate":
		err = cmdValidate(ctx, cfg, logger, os.Args[2:])
	case "tasks":
		err = cmdTasks(cfg, logger)
	case "serve":
		err = cmdServe(ctx, cfg, logger, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(handler))
}

func newRunner(logger *slog.Logger) (*runner.Runner, error) {
	registry := tasks.NewRegistry()
	if err := tasks.RegisterBuiltins(registry, tasks.BuiltinConfig{}); err != nil {
		return nil, err
	}
	if err := registry.Register(engine.NewBatchTask(registry, engine.BatchOptions{})); err != nil {
		return nil, err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return runner.New(registry, validator, logger), nil
}

func cmdRun(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflow := fs.String("workflow", "", "path to the workflow YAML file")
	workspace := fs.String("workspace", cfg.Workspace, "run workspace directory")
	flow := fs.String("flow", "", "named flow to run")
	startFrom := fs.String("start-from", "", "skip steps before this step")
	skip := fs.String("skip", "", "comma-separated step names to skip")
	maxRetries := fs.Int("max-retries", cfg.MaxRetries, "global retry budget")
	params := paramFlags{}
	fs.Var(&params, "param", "parameter override as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflow == "" {
		return fmt.Errorf("run: -workflow is required")
	}

	r, err := newRunner(logger)
	if err != nil {
		return err
	}

	result, err := r.Run(ctx, runner.RunRequest{
		WorkflowPath: *workflow,
		Workspace:    *workspace,
		Flow:         *flow,
		Params:       params.values,
		StartFrom:    *startFrom,
		SkipSteps:    splitList(*skip),
		MaxRetries:   maxRetries,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func cmdResume(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	workflow := fs.String("workflow", "", "path to the workflow YAML file")
	workspace := fs.String("workspace", cfg.Workspace, "run workspace directory")
	step := fs.String("step", "", "step to resume from")
	params := paramFlags{}
	fs.Var(&params, "param", "parameter override as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflow == "" || *step == "" {
		return fmt.Errorf("resume: -workflow and -step are required")
	}

	r, err := newRunner(logger)
	if err != nil {
		return err
	}

	result, err := r.Resume(ctx, runner.ResumeRequest{
		WorkflowPath: *workflow,
		Workspace:    *workspace,
		Step:         *step,
		Params:       params.values,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func cmdStatus(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	workspace := fs.String("workspace", cfg.Workspace, "run workspace directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := newRunner(logger)
	if err != nil {
		return err
	}
	report, err := r.Status(ctx, *workspace)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func cmdValidate(ctx context.Context, _ Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	workflow := fs.String("workflow", "", "path to the workflow YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflow == "" {
		return fmt.Errorf("validate: -workflow is required")
	}

	r, err := newRunner(logger)
	if err != nil {
		return err
	}
	result, err := r.Validate(ctx, *workflow)
	if err != nil {
		return err
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Valid() {
		return fmt.Errorf("workflow is invalid (%d errors)", len(result.Errors))
	}
	return nil
}

func cmdTasks(_ Config, logger *slog.Logger) error {
	r, err := newRunner(logger)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"tasks": r.Tasks()})
}

func cmdServe(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := newRunner(logger)
	if err != nil {
		return err
	}

	if len(cfg.Schedules) > 0 {
		sched := scheduler.New(r, scheduler.Options{Logger: logger})
		for _, entry := range cfg.Schedules {
			job := scheduler.Job{
				Name:      entry.Name,
				Workflow:  entry.Workflow,
				Flow:      entry.Flow,
				Cron:      entry.Cron,
				Workspace: entry.Workspace,
				Params:    entry.Params,
			}
			if err := sched.Add(job); err != nil {
				return err
			}
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	server := mcp.NewServer(mcp.ServerDeps{Service: r, Logger: logger})
	logger.Info("serving MCP over stdio")
	return server.Serve(ctx)
}

// paramFlags collects repeated -param key=value flags. Values that parse as
// JSON keep their parsed type; everything else stays a string.
type paramFlags struct {
	values map[string]any
}

func (p *paramFlags) String() string { return fmt.Sprintf("%v", p.values) }

func (p *paramFlags) Set(raw string) error {
	key, value, found := strings.Cut(raw, "=")
	if !found || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	if p.values == nil {
		p.values = make(map[string]any)
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		p.values[key] = parsed
	} else {
		p.values[key] = value
	}
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
