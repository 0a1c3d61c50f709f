package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BaSui01/taskflow"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/steps"
	"github.com/BaSui01/taskflow/supervisor"
	"github.com/BaSui01/taskflow/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const closeTimeout = 30 * time.Second

// errWorkflowFailed 表示工作流以 failed 结束
var errWorkflowFailed = errors.New("workflow failed")

// =============================================================================
// 🔧 通用参数与服务装配
// =============================================================================

type commonFlags struct {
	configPath string
	storeDir   string
	workspace  string
	backendCmd string
	logLevel   string
	metricsOut string
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "Path to config file")
	fs.StringVar(&c.storeDir, "store-dir", "", "File checkpoint store directory")
	fs.StringVar(&c.workspace, "workspace", ".", "Workspace directory")
	fs.StringVar(&c.backendCmd, "backend-cmd", "", "Model backend command")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level override")
	fs.StringVar(&c.metricsOut, "metrics-out", "", "Prometheus textfile output")
	return fs, c
}

func parse(fs *flag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(interleave(fs, args)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	rest := fs.Args()
	if positional >= 0 && len(rest) != positional {
		return nil, fmt.Errorf("%w: %s expects %d argument(s), got %d", errUsage, fs.Name(), positional, len(rest))
	}
	return rest, nil
}

// interleave moves flags after positional arguments to the front so
// "status wf_1 --store-dir d" parses like "status --store-dir d wf_1".
func interleave(fs *flag.FlagSet, args []string) []string {
	var flags, rest []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			rest = append(rest, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "-") || a == "-" {
			rest = append(rest, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if f := fs.Lookup(name); f != nil && i+1 < len(args) {
			if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
				continue
			}
			flags = append(flags, args[i+1])
			i++
		}
	}
	return append(flags, rest...)
}

type session struct {
	svc      *taskflow.Service
	logger   *zap.Logger
	registry *prometheus.Registry
	flags    *commonFlags
}

func (c *commonFlags) open(ctx context.Context) (*session, error) {
	loader := config.NewLoader()
	if c.configPath != "" {
		loader = loader.WithConfigPath(c.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	logger := initLogger(cfg.Log)

	if c.storeDir != "" {
		cfg.Checkpoint.Type = "file"
		cfg.Checkpoint.BaseDir = c.storeDir
	}
	if cfg.Checkpoint.Type == "memory" {
		logger.Warn("memory checkpoint store does not survive the process, using file store",
			zap.String("base_dir", cfg.Checkpoint.BaseDir))
		cfg.Checkpoint.Type = "file"
	}

	ws, err := steps.NewDirWorkspace(c.workspace, nil)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	opts := []taskflow.Option{
		taskflow.WithLogger(logger),
		taskflow.WithWorkspace(ws),
		taskflow.WithMetricsRegisterer(reg),
	}
	if c.backendCmd != "" {
		opts = append(opts, taskflow.WithBackend(newCommandBackend(c.backendCmd, c.workspace)))
	}

	svc, err := taskflow.New(ctx, cfg, opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &session{svc: svc, logger: logger, registry: reg, flags: c}, nil
}

func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	err := s.svc.Close(ctx)
	if s.flags.metricsOut != "" {
		if werr := prometheus.WriteToTextfile(s.flags.metricsOut, s.registry); werr != nil {
			err = errors.Join(err, fmt.Errorf("write metrics: %w", werr))
		}
	}
	_ = s.logger.Sync()
	return err
}

func withSession(ctx context.Context, c *commonFlags, fn func(*session) error) (err error) {
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.close())
	}()
	return fn(s)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// report 打印状态，failed 时返回 errWorkflowFailed
func report(w io.Writer, rep *workflow.StatusReport) error {
	if err := printJSON(w, rep); err != nil {
		return err
	}
	if rep.State == workflow.WorkflowFailed {
		if rep.Failure != nil {
			return fmt.Errorf("%w at %s: %s", errWorkflowFailed, rep.Failure.NodeID, rep.Failure.Error)
		}
		return errWorkflowFailed
	}
	return nil
}

// =============================================================================
// 🚀 子命令
// =============================================================================

func runWorkflow(ctx context.Context, args []string, stdout io.Writer) error {
	fs, common := newFlagSet("run")
	prior := fs.String("prior", "", "Prior session id")
	workspaceID := fs.String("workspace-id", "", "Workspace identifier")
	rest, err := parse(fs, args, -1)
	if err != nil {
		return err
	}
	task := strings.TrimSpace(strings.Join(rest, " "))
	if task == "" {
		return fmt.Errorf("%w: run expects a task", errUsage)
	}

	return withSession(ctx, common, func(s *session) error {
		id, err := s.svc.Engine.Start(ctx, supervisor.Request{
			Task:           task,
			PriorSessionID: *prior,
			WorkspaceID:    *workspaceID,
		})
		if err != nil {
			return err
		}
		rep, err := s.svc.Engine.Wait(ctx, id)
		if err != nil {
			return err
		}
		return report(stdout, rep)
	})
}

func runStatus(ctx context.Context, args []string, stdout io.Writer) error {
	fs, common := newFlagSet("status")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	return withSession(ctx, common, func(s *session) error {
		rep, err := s.svc.Engine.Status(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, rep)
	})
}

func runResume(ctx context.Context, args []string, stdout io.Writer) error {
	fs, common := newFlagSet("resume")
	kind := fs.String("decision", "", "approve, reject or modify")
	node := fs.String("node", "", "Paused node id")
	subStep := fs.String("sub-step", "", "Paused sub-step id")
	slot := fs.String("slot", "", "Slot a modify decision overwrites")
	payload := fs.String("payload", "", "Modify payload (JSON)")
	actor := fs.String("actor", "", "Who decided")
	comment := fs.String("comment", "", "Decision comment")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}

	d := workflow.Decision{
		Kind:      workflow.DecisionKind(*kind),
		NodeID:    *node,
		SubStepID: *subStep,
		Slot:      *slot,
		Actor:     *actor,
		Comment:   *comment,
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: --decision must be approve, reject or modify", errUsage)
	}
	if *payload != "" {
		var v any
		if err := json.Unmarshal([]byte(*payload), &v); err != nil {
			return fmt.Errorf("%w: --payload is not valid JSON: %v", errUsage, err)
		}
		d.Payload = v
	}

	return withSession(ctx, common, func(s *session) error {
		if err := s.svc.Engine.Resume(ctx, rest[0], d); err != nil {
			return err
		}
		rep, err := s.svc.Engine.Wait(ctx, rest[0])
		if err != nil {
			return err
		}
		return report(stdout, rep)
	})
}

func runAbort(ctx context.Context, args []string, stdout io.Writer) error {
	fs, common := newFlagSet("abort")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	return withSession(ctx, common, func(s *session) error {
		if err := s.svc.Engine.Abort(ctx, rest[0]); err != nil {
			return err
		}
		rep, err := s.svc.Engine.Wait(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, rep)
	})
}

func runRollback(ctx context.Context, args []string, stdout io.Writer) error {
	fs, common := newFlagSet("rollback")
	rest, err := parse(fs, args, 2)
	if err != nil {
		return err
	}
	return withSession(ctx, common, func(s *session) error {
		summary, err := s.svc.Engine.Rollback(ctx, rest[0], rest[1])
		if summary != nil {
			if perr := printJSON(stdout, summary); perr != nil {
				return errors.Join(err, perr)
			}
		}
		return err
	})
}

func runList(ctx context.Context, args []string, stdout io.Writer) error {
	fs, common := newFlagSet("list")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	return withSession(ctx, common, func(s *session) error {
		ids, err := s.svc.Store.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := fmt.Fprintln(stdout, id); err != nil {
				return err
			}
		}
		return nil
	})
}
