// =============================================================================
// TaskFlow 命令行入口
// =============================================================================
// 使用方法:
//
//	taskflow run --workspace ./repo "fix typo in README"   # 启动并等待
//	taskflow status <workflow-id>                          # 查看状态
//	taskflow resume <workflow-id> --decision approve       # 提交审批
//	taskflow abort <workflow-id>                           # 中止
//	taskflow rollback <workflow-id> <node-id>              # 撤销计划子步骤
//	taskflow list                                          # 列出检查点
//	taskflow version                                       # 版本信息
// =============================================================================
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errUsage 表示参数错误，退出码 2
var errUsage = errors.New("usage error")

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "run":
		err = runWorkflow(ctx, args[1:], stdout)
	case "status":
		err = runStatus(ctx, args[1:], stdout)
	case "resume":
		err = runResume(ctx, args[1:], stdout)
	case "abort":
		err = runAbort(ctx, args[1:], stdout)
	case "rollback":
		err = runRollback(ctx, args[1:], stdout)
	case "list":
		err = runList(ctx, args[1:], stdout)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "TaskFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `TaskFlow - Supervisor-led dynamic workflow engine

Usage:
  taskflow <command> [options]

Commands:
  run       Analyze a request, build its workflow and run it until it pauses or ends
  status    Show the status of a workflow
  resume    Apply an approval decision to a paused workflow
  abort     Abort a workflow
  rollback  Undo the applied plan sub-steps of a node
  list      List stored checkpoints
  version   Show version information
  help      Show this help message

Common options:
  --config <path>       Path to configuration file (YAML)
  --store-dir <dir>     Use the file checkpoint store in dir
  --workspace <dir>     Directory plan sub-steps are applied to (default ".")
  --backend-cmd <cmd>   Shell command used as the model backend
  --log-level <level>   Override log.level
  --metrics-out <file>  Write Prometheus metrics to file on exit

Options for 'run':
  --prior <id>          Prior session id used as analysis context
  --workspace-id <id>   Workspace identifier recorded on the request

Options for 'resume':
  --decision <kind>     approve, reject or modify
  --node <id>           Paused node (optional when exactly one is waiting)
  --sub-step <id>       Paused plan sub-step
  --slot <name>         Slot a modify decision overwrites
  --payload <json>      Modify payload
  --actor <name>        Who decided
  --comment <text>      Decision comment

Examples:
  taskflow run --store-dir ./data "rename the config loader"
  taskflow resume wf_123 --decision approve --node Coder
  taskflow rollback wf_123 Coder
  taskflow version`)
}
