package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/plan"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/schedule"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/service"
)

// cliCaller is the principal for operator commands. The operator has
// shell access to the config, so every scope is granted.
func cliCaller(actor string) policy.Caller {
	return policy.Caller{
		ID:     actor,
		Scopes: policy.AllScopes(),
	}
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- tools ---

func runTools(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: toolgate tools import <file.yaml> | tools list")
	}
	switch args[0] {
	case "import":
		return runToolsImport(args[1:])
	case "list":
		return runToolsList(args[1:])
	default:
		return fmt.Errorf("unknown tools command: %s", args[0])
	}
}

func runToolsImport(args []string) error {
	fs, flags := commandFlags("tools import")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: toolgate tools import <file.yaml>")
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	tools, err := tool.ParseRegistryFile(data)
	if err != nil {
		return err
	}

	return withApp(flags, func(ctx context.Context, a *app) error {
		n, err := a.tools.Import(ctx, tools)
		if err != nil {
			return fmt.Errorf("import tools: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Imported %d tools from %s\n", n, fs.Arg(0))
		return nil
	})
}

func runToolsList(args []string) error {
	fs, flags := commandFlags("tools list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		tools, err := a.tools.List(ctx, false)
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		if len(tools) == 0 {
			fmt.Println("No tools registered.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tRISK\tEXECUTOR\tENABLED\tUNDO\tCOMMAND")
		for i := range tools {
			t := &tools[i]
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				t.ID, t.RiskLevel, t.Kind(), t.Enabled, t.UndoToolID, strings.Join(t.Command, " "))
		}
		return w.Flush()
	})
}

// --- runs ---

func runRuns(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: toolgate runs create|list|get")
	}
	switch args[0] {
	case "create":
		return runRunsCreate(args[1:])
	case "list":
		return runRunsList(args[1:])
	case "get":
		return runRunsGet(args[1:])
	default:
		return fmt.Errorf("unknown runs command: %s", args[0])
	}
}

// parseArgs turns k=v pairs into run arguments. Values that parse as JSON
// (numbers, booleans, arrays) keep their type; anything else is a string.
func parseArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q: expected key=value", p)
		}
		var typed any
		if err := json.Unmarshal([]byte(v), &typed); err == nil && typed != nil {
			out[k] = typed
			continue
		}
		out[k] = v
	}
	return out, nil
}

func runRunsCreate(args []string) error {
	fs, flags := commandFlags("runs create")
	actor := fs.String("actor", defaultActor(), "actor recorded on the run")
	reason := fs.String("reason", "", "reason shown to approvers")
	wait := fs.Duration("wait", 0, "wait up to this long for the run to finish")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: toolgate runs create <tool> [key=value ...]")
	}
	runArgs, err := parseArgs(fs.Args()[1:])
	if err != nil {
		return err
	}

	return withApp(flags, func(ctx context.Context, a *app) error {
		r, err := a.runs.Submit(ctx, cliCaller(*actor), run.CreateRequest{
			ToolID: fs.Arg(0),
			Args:   runArgs,
			Reason: *reason,
		})
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		if *wait > 0 && r.Status == run.StatusQueued {
			if r, err = a.runs.Await(ctx, r.ID, *wait); err != nil {
				return fmt.Errorf("await: %w", err)
			}
		}
		return printJSON(struct {
			*run.Run
			service.Output
		}{r, a.runs.GetOutput(r)})
	})
}

func runRunsList(args []string) error {
	fs, flags := commandFlags("runs list")
	status := fs.String("status", "", "filter by status")
	toolID := fs.String("tool", "", "filter by tool id")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		runs, err := a.runs.List(ctx, run.Filter{Status: run.Status(*status), ToolID: *toolID, Limit: *limit})
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tTOOL\tSTATUS\tEXIT\tCREATED_BY\tCREATED")
		for i := range runs {
			r := &runs[i]
			exit := "-"
			if r.ExitCode != nil {
				exit = fmt.Sprint(*r.ExitCode)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.ToolID, r.Status, exit, r.CreatedBy, r.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runRunsGet(args []string) error {
	fs, flags := commandFlags("runs get")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: toolgate runs get <id>")
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		r, err := a.runs.Get(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(struct {
			*run.Run
			service.Output
		}{r, a.runs.GetOutput(r)})
	})
}

// --- approvals ---

func runApprovals(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: toolgate approvals list | approve <id> | deny <id>")
	}
	switch args[0] {
	case "list":
		return runApprovalsList(args[1:])
	case "approve":
		return runApprovalsDecide(args[1:], true)
	case "deny":
		return runApprovalsDecide(args[1:], false)
	default:
		return fmt.Errorf("unknown approvals command: %s", args[0])
	}
}

func runApprovalsList(args []string) error {
	fs, flags := commandFlags("approvals list")
	all := fs.Bool("all", false, "include decided approvals")
	if err := fs.Parse(args); err != nil {
		return err
	}
	status := approval.StatusPending
	if *all {
		status = ""
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		list, err := a.approvals.List(ctx, status, 100)
		if err != nil {
			return fmt.Errorf("list approvals: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No approvals found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tRESOURCE\tSTATUS\tREQUESTED_BY\tREASON")
		for i := range list {
			ap := &list[i]
			_, _ = fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\n",
				ap.ID, ap.ResourceType, ap.ResourceID, ap.Status, ap.RequestedBy, ap.Reason)
		}
		return w.Flush()
	})
}

func runApprovalsDecide(args []string, approve bool) error {
	verb := "deny"
	if approve {
		verb = "approve"
	}
	fs, flags := commandFlags("approvals " + verb)
	actor := fs.String("actor", defaultActor(), "actor recorded on the decision")
	note := fs.String("note", "", "decision note")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: toolgate approvals %s <id>", verb)
	}
	id := fs.Arg(0)

	return withApp(flags, func(ctx context.Context, a *app) error {
		ap, err := a.approvals.Get(ctx, id)
		if err != nil {
			return err
		}
		if !*yes {
			fmt.Fprintf(os.Stderr, "%s %s %s/%s requested by %s (%s)\n",
				verb, ap.ID, ap.ResourceType, ap.ResourceID, ap.RequestedBy, ap.Reason)
			ok, err := confirm(os.Stdin, "Proceed? [y/N] ")
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("aborted")
			}
		}

		d := approval.Decision{Actor: *actor, Note: *note}
		if approve {
			ap, err = a.approvals.Approve(ctx, id, d)
		} else {
			ap, err = a.approvals.Deny(ctx, id, d)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", verb, err)
		}
		fmt.Fprintf(os.Stderr, "Approval %s is now %s\n", ap.ID, ap.Status)
		return nil
	})
}

// confirm asks a yes/no question. Without a terminal on stdin nobody can
// answer, so it refuses rather than blocking.
func confirm(in *os.File, prompt string) (bool, error) {
	if !term.IsTerminal(int(in.Fd())) {
		return false, errors.New("stdin is not a terminal; pass --yes to confirm")
	}
	fmt.Fprint(os.Stderr, prompt)
	return readYes(in)
}

func readYes(r io.Reader) (bool, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// --- plans ---

func runPlans(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: toolgate plans execute <file.json> | plans translate <query>")
	}
	switch args[0] {
	case "execute":
		return runPlansExecute(args[1:])
	case "translate":
		return runPlansTranslate(args[1:])
	default:
		return fmt.Errorf("unknown plans command: %s", args[0])
	}
}

func runPlansExecute(args []string) error {
	fs, flags := commandFlags("plans execute")
	actor := fs.String("actor", defaultActor(), "actor recorded on each run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: toolgate plans execute <file.json>")
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	draft, err := plan.Parse(data)
	if err != nil {
		return err
	}

	return withApp(flags, func(ctx context.Context, a *app) error {
		plans := service.NewPlanService(a.tools, nil)
		p, err := plans.Create(ctx, draft, "file:"+fs.Arg(0))
		if err != nil {
			return err
		}
		res := newOrchestrator(a).Execute(ctx, p, cliCaller(*actor))
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Status != plan.StatusSuccess {
			return fmt.Errorf("plan %s finished %s", res.PlanID, res.Status)
		}
		return nil
	})
}

func runPlansTranslate(args []string) error {
	fs, flags := commandFlags("plans translate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("usage: toolgate plans translate <query>")
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		p, err := service.NewPlanService(a.tools, newTranslator(a.cfg)).Translate(ctx, query, nil)
		if err != nil {
			return err
		}
		return printJSON(p)
	})
}

// --- schedules ---

func runSchedules(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: toolgate schedules create|list|delete|enable|disable")
	}
	switch args[0] {
	case "create":
		return runSchedulesCreate(args[1:])
	case "list":
		return runSchedulesList(args[1:])
	case "delete", "enable", "disable":
		return runSchedulesChange(args[0], args[1:])
	default:
		return fmt.Errorf("unknown schedules command: %s", args[0])
	}
}

// scheduleTrigger picks the trigger from the one flag that was set.
func scheduleTrigger(cron, every, at string) (schedule.Trigger, string, error) {
	var (
		trigger schedule.Trigger
		spec    string
		n       int
	)
	for _, c := range []struct {
		t schedule.Trigger
		v string
	}{{schedule.TriggerCron, cron}, {schedule.TriggerInterval, every}, {schedule.TriggerDate, at}} {
		if c.v != "" {
			trigger, spec = c.t, c.v
			n++
		}
	}
	if n != 1 {
		return "", "", errors.New("exactly one of --cron, --every or --at is required")
	}
	return trigger, spec, nil
}

func runSchedulesCreate(args []string) error {
	fs, flags := commandFlags("schedules create")
	actor := fs.String("actor", defaultActor(), "actor recorded as the schedule's creator")
	name := fs.String("name", "", "schedule name (defaults to the tool id)")
	cron := fs.String("cron", "", "cron trigger, e.g. daily:02:00, hourly:15, weekly:mon:09:00")
	every := fs.String("every", "", "interval trigger, e.g. 1h30m")
	at := fs.String("at", "", "one-shot trigger, RFC 3339")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: toolgate schedules create --cron|--every|--at <spec> <tool> [key=value ...]")
	}
	trigger, spec, err := scheduleTrigger(*cron, *every, *at)
	if err != nil {
		return err
	}
	jobArgs, err := parseArgs(fs.Args()[1:])
	if err != nil {
		return err
	}
	if *name == "" {
		*name = fs.Arg(0)
	}

	return withApp(flags, func(ctx context.Context, a *app) error {
		j, err := a.schedules.Create(ctx, cliCaller(*actor), schedule.CreateRequest{
			Name: *name, ToolID: fs.Arg(0), Args: jobArgs, Trigger: trigger, Spec: spec,
		})
		if err != nil {
			return fmt.Errorf("create schedule: %w", err)
		}
		return printJSON(j)
	})
}

func runSchedulesList(args []string) error {
	fs, flags := commandFlags("schedules list")
	enabled := fs.Bool("enabled", false, "only enabled schedules")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		jobs, err := a.schedules.List(ctx, *enabled)
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No schedules found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tTOOL\tTRIGGER\tENABLED\tNEXT_RUN\tRUNS")
		for i := range jobs {
			j := &jobs[i]
			next := "-"
			if j.NextRunAt != nil {
				next = j.NextRunAt.Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s=%s\t%t\t%s\t%d\n",
				j.ID, j.Name, j.ToolID, j.Trigger, j.Spec, j.Enabled, next, j.RunCount)
		}
		return w.Flush()
	})
}

func runSchedulesChange(verb string, args []string) error {
	fs, flags := commandFlags("schedules " + verb)
	actor := fs.String("actor", defaultActor(), "actor recorded in the audit log")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: toolgate schedules %s <id>", verb)
	}
	id := fs.Arg(0)
	return withApp(flags, func(ctx context.Context, a *app) error {
		var (
			j   *schedule.Job
			err error
		)
		switch verb {
		case "delete":
			if err := a.schedules.Delete(ctx, cliCaller(*actor), id); err != nil {
				return err
			}
			fmt.Printf("Schedule %s deleted.\n", id)
			return nil
		case "enable":
			j, err = a.schedules.Enable(ctx, id)
		default:
			j, err = a.schedules.Disable(ctx, id)
		}
		if err != nil {
			return err
		}
		return printJSON(j)
	})
}

// --- tokens ---

func runTokens(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: toolgate tokens bootstrap|create|list|revoke")
	}
	switch args[0] {
	case "bootstrap":
		return runTokensBootstrap(args[1:])
	case "create":
		return runTokensCreate(args[1:])
	case "list":
		return runTokensList(args[1:])
	case "revoke":
		return runTokensRevoke(args[1:])
	default:
		return fmt.Errorf("unknown tokens command: %s", args[0])
	}
}

// splitScopes parses a comma-separated scope list.
func splitScopes(s string) []string {
	var out []string
	for sc := range strings.SplitSeq(s, ",") {
		if sc = strings.TrimSpace(sc); sc != "" {
			out = append(out, sc)
		}
	}
	return out
}

func printCreatedToken(c *apitoken.Created) error {
	fmt.Fprintln(os.Stderr, "Store this token now; it cannot be shown again.")
	return printJSON(c)
}

func runTokensBootstrap(args []string) error {
	fs, flags := commandFlags("tokens bootstrap")
	actor := fs.String("actor", "admin", "actor the admin token authenticates as")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		c, err := a.tokens.Bootstrap(ctx, *actor)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		return printCreatedToken(c)
	})
}

func runTokensCreate(args []string) error {
	fs, flags := commandFlags("tokens create")
	name := fs.String("name", "", "token name")
	actor := fs.String("actor", defaultActor(), "actor the token authenticates as")
	scopes := fs.String("scopes", policy.ScopeExecute, "comma-separated scopes")
	expires := fs.Duration("expires", 0, "lifetime, e.g. 720h (0 never expires)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		c, err := a.tokens.Create(ctx, cliCaller(defaultActor()), apitoken.CreateRequest{
			Name:      *name,
			Actor:     *actor,
			Scopes:    splitScopes(*scopes),
			ExpiresIn: int(expires.Seconds()),
		})
		if err != nil {
			return fmt.Errorf("create token: %w", err)
		}
		return printCreatedToken(c)
	})
}

func runTokensList(args []string) error {
	fs, flags := commandFlags("tokens list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		list, err := a.tokens.List(ctx, cliCaller(defaultActor()))
		if err != nil {
			return fmt.Errorf("list tokens: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No tokens found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tACTOR\tPREFIX\tSCOPES\tSTATE")
		now := time.Now()
		for i := range list {
			t := &list[i]
			state := "active"
			if !t.Active(now) {
				state = "inactive"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Name, t.Actor, t.Prefix, strings.Join(t.Scopes, ","), state)
		}
		return w.Flush()
	})
}

func runTokensRevoke(args []string) error {
	fs, flags := commandFlags("tokens revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: toolgate tokens revoke <id>")
	}
	return withApp(flags, func(ctx context.Context, a *app) error {
		if err := a.tokens.Revoke(ctx, cliCaller(defaultActor()), fs.Arg(0)); err != nil {
			return err
		}
		fmt.Printf("Token %s revoked.\n", fs.Arg(0))
		return nil
	})
}
