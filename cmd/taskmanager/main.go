package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/sky93/taskmanager"
	"github.com/sky93/taskmanager/cmd/taskmanager/jobs"
	"github.com/sky93/taskmanager/internal/settings"
)

const usage = `usage: taskmanager [-config path] <command> [args]

commands:
  run                         start workers and process tasks until interrupted
  schedule [flags] name k=v   schedule a task
  cancel [-wait] id           cancel a task
  tasks [-state s] [-n N]     list tasks
  workers                     list workers
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to settings (json or yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, cmd string, args []string) error {
	s := settings.Default()
	if cfgPath != "" {
		var err error
		if s, err = settings.Load(cfgPath); err != nil {
			return err
		}
	}
	log := s.NewLogger(os.Stderr)

	st, err := s.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	loopDelay, err := s.LoopDelayDuration()
	if err != nil {
		return err
	}
	mgr, err := taskmanager.New(taskmanager.Config{
		Name:      s.Manager,
		Store:     st,
		LoopDelay: loopDelay,
		Logger:    &log,
	})
	if err != nil {
		return err
	}
	if err := jobs.Register(mgr); err != nil {
		return err
	}

	switch cmd {
	case "run":
		return runWorkers(ctx, mgr, s.Workers, log)
	case "schedule":
		return schedule(ctx, mgr, args)
	case "cancel":
		return cancelTask(ctx, mgr, args)
	case "tasks":
		return listTasks(ctx, mgr, args)
	case "workers":
		return listWorkers(ctx, mgr)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runWorkers(ctx context.Context, mgr *taskmanager.Manager, count int, log zerolog.Logger) error {
	if _, err := mgr.StartWorkers(ctx, count); err != nil {
		return err
	}
	log.Info().Str("manager", mgr.Name()).Strs("tasks", mgr.RegisteredTasks()).Msg("workers running")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return mgr.Shutdown(shutdownCtx)
}

func schedule(ctx context.Context, mgr *taskmanager.Manager, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	in := fs.Duration("in", 0, "delay before the task is due")
	cronExpr := fs.String("cron", "", "cron expression for the due time")
	wait := fs.Duration("wait", 0, "wait up to this long for the task to end")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("schedule: task name required")
	}
	name := fs.Arg(0)
	params, err := parseParams(fs.Args()[1:])
	if err != nil {
		return err
	}

	var task *taskmanager.ScheduledTask
	switch {
	case *cronExpr != "":
		task, err = mgr.ScheduleCron(ctx, name, *cronExpr, params)
	case *in > 0:
		task, err = mgr.ScheduleTask(ctx, name, time.Now().Add(*in), params)
	default:
		task, err = mgr.ScheduleTask(ctx, name, time.Time{}, params)
	}
	if err != nil {
		return err
	}
	fmt.Println(task.ID())

	if *wait <= 0 {
		return nil
	}
	rec, err := task.WaitForEnd(ctx, *wait)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"state": rec.State, "result": rec.Result})
}

// parseParams reads key=value pairs; values that parse as JSON keep their
// JSON type, anything else is a string.
func parseParams(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad parameter %q, want key=value", a)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			// Keep integers integral so int parameters type-check.
			if f, isNum := decoded.(float64); isNum && f == float64(int64(f)) && !strings.ContainsAny(v, ".eE") {
				decoded = int64(f)
			}
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out, nil
}

func cancelTask(ctx context.Context, mgr *taskmanager.Manager, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	wait := fs.Duration("wait", 0, "wait up to this long for the task to be canceled")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("cancel: task id required")
	}
	task, err := mgr.Task(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return task.Cancel(ctx, *wait > 0, *wait)
}

func listTasks(ctx context.Context, mgr *taskmanager.Manager, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	state := fs.String("state", "", "only tasks in this state")
	limit := fs.Int("n", 50, "maximum number of tasks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tasks, err := mgr.Store().ListTasks(ctx, taskmanager.TaskFilter{
		Manager: mgr.Name(),
		State:   taskmanager.TaskState(strings.ToUpper(*state)),
		Limit:   *limit,
	})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tWORKER\tDUE\tRESULT")
	for _, t := range tasks {
		worker := "-"
		if t.Worker != nil {
			worker = *t.Worker
		}
		result := "-"
		if t.Result != nil {
			b, _ := json.Marshal(t.Result)
			result = string(b)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Name, t.State, worker, t.DueAt.Format(time.RFC3339), result)
	}
	return tw.Flush()
}

func listWorkers(ctx context.Context, mgr *taskmanager.Manager) error {
	workers, err := mgr.Store().ListWorkers(ctx, mgr.Name())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tLAST SEEN\tDELAY\tCURRENT TASK")
	for _, w := range workers {
		current := "-"
		if w.CurrentTask != nil {
			current = *w.CurrentTask
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			w.Name, w.State, w.LastSeen.Format(time.RFC3339), w.Delay, current)
	}
	return tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
