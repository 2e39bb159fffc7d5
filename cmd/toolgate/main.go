// Command toolgate runs the API server, the job worker, and the operator CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if err := runMain(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runMain(args []string) error {
	if len(args) == 0 {
		return runServe(nil)
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "worker":
		return runWorker(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "tools":
		return runTools(args[1:])
	case "runs":
		return runRuns(args[1:])
	case "approvals":
		return runApprovals(args[1:])
	case "plans":
		return runPlans(args[1:])
	case "schedules":
		return runSchedules(args[1:])
	case "tokens":
		return runTokens(args[1:])
	case "help", "--help", "-h":
		printHelp()
		return nil
	default:
		// Bare flags mean serve, e.g. toolgate --port 8080.
		if args[0][0] == '-' {
			return runServe(args)
		}
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: toolgate <command> [options]

Commands:
  serve                         Run the HTTP API (default)
  worker                        Consume run jobs and execute tools
  migrate [up|down N|version]   Manage the database schema
  tools import <file.yaml>      Register or update tools
  tools list                    List registered tools
  runs create <tool> [k=v ...]  Submit a run
  runs list | runs get <id>     Inspect runs
  approvals list                List pending approvals
  approvals approve|deny <id>   Decide an approval
  plans execute <file.json>     Validate and execute a plan
  plans translate <query>       Ask the planner for a plan (not executed)
  schedules create --cron|--every|--at <spec> <tool> [k=v ...]
                                Submit a run on a schedule
  schedules list                List scheduled jobs
  schedules delete|enable|disable <id>
                                Change a scheduled job
  tokens bootstrap              Issue the first admin token
  tokens create --name N --actor A --scopes s1,s2
                                Issue an API token
  tokens list | tokens revoke <id>
                                Manage API tokens
  help                          Show this help message

Every command accepts --config/-c <path> (default toolgate.yaml).
`)
}
