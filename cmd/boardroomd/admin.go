package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rtfm-si/boardroom/internal/adapter/postgres"
	"github.com/rtfm-si/boardroom/internal/config"
	"github.com/rtfm-si/boardroom/internal/domain/session"
	"github.com/rtfm-si/boardroom/internal/service"
)

// runAdmin dispatches admin subcommands (kill-session, list-recovery, session-cost).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "kill-session":
		return runAdminKillSession(args[1:])
	case "list-recovery":
		return runAdminListRecovery(args[1:])
	case "session-cost":
		return runAdminSessionCost(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: boardroomd admin <command> [options]

Commands:
  kill-session     Kill a running or paused session immediately
  list-recovery    List sessions awaiting crash recovery
  session-cost     Show the aggregate cost for a session
  help             Show this help message

Examples:
  boardroomd admin kill-session --id 4f1c... --reason "runaway spend"
  boardroomd admin list-recovery
  boardroomd admin session-cost --id 4f1c...
`)
}

type adminDeps struct {
	store  *postgres.Store
	ledger *postgres.Ledger
	term   *service.TerminationService
}

// loadAdminDeps wires a minimal service graph against the database only.
// There is no driver in this process; admin kills rely on the abandoning
// termination path finalizing through the store, with any live server
// driver parking at its next suspension check.
func loadAdminDeps() (*adminDeps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)
	ledger := postgres.NewLedger(pool)

	seq := service.NewSequencerService(events, nil, nil)
	term := service.NewTerminationService(store, seq, nil, nil, nil)

	cleanup := func() {
		pool.Close()
	}
	return &adminDeps{store: store, ledger: ledger, term: term}, cleanup, nil
}

func runAdminKillSession(args []string) error {
	fs := flag.NewFlagSet("kill-session", flag.ContinueOnError)
	id := fs.String("id", "", "session ID (required)")
	reason := fs.String("reason", "", "kill reason (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	if *reason == "" {
		return fmt.Errorf("--reason is required")
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	sess, err := deps.term.Request(ctx, *id, session.TerminationAdminTerminated, *reason, "admin")
	if err != nil {
		return fmt.Errorf("kill session: %w", err)
	}

	billable := 0.0
	if sess.BillablePortion != nil {
		billable = *sess.BillablePortion
	}
	fmt.Fprintf(os.Stderr, "Session %s killed (billable portion %.2f)\n", sess.ID, billable)
	return nil
}

func runAdminListRecovery(args []string) error {
	fs := flag.NewFlagSet("list-recovery", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	sessions, err := deps.store.ListRecoverySessions(ctx)
	if err != nil {
		return fmt.Errorf("list recovery sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions awaiting recovery.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCHECKPOINT\tTOTAL_SP\tATTEMPTS\tUPDATED_AT")
	for i := range sessions {
		checkpoint := "-"
		if sessions[i].LastCompletedSPIndex != nil {
			checkpoint = fmt.Sprintf("%d", *sessions[i].LastCompletedSPIndex)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			sessions[i].ID, sessions[i].Status, checkpoint,
			sessions[i].TotalSubProblems, sessions[i].RecoveryAttempts,
			sessions[i].UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runAdminSessionCost(args []string) error {
	fs := flag.NewFlagSet("session-cost", flag.ContinueOnError)
	id := fs.String("id", "", "session ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	deps, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	if _, err := deps.store.GetSession(ctx, *id); err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	sum, err := deps.ledger.SessionTotal(ctx, *id)
	if err != nil {
		return fmt.Errorf("session total: %w", err)
	}

	fmt.Printf("session:  %s\nrecords:  %d\ntotal:    $%.4f\n", sum.SessionID, sum.RecordCount, sum.TotalCostUSD)
	return nil
}
