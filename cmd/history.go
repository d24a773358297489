package cmd

import (
	"context"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/netconverge/internal/history"
	"grimm.is/netconverge/internal/neterr"
)

// RunHistory lists recent applies, or shows one in full when id is set.
func RunHistory(ctx context.Context, o Options, limit int, id string) error {
	cfg, cleanup, err := setup(o)
	if err != nil {
		return err
	}
	defer cleanup()

	if !cfg.HistoryEnabled() {
		return neterr.InvalidArgument("apply history is disabled in %s", o.ConfigFile)
	}
	j, err := openJournal(cfg)
	if err != nil {
		return neterr.Wrap(neterr.KindDependencyError, err, "failed to open apply history")
	}
	defer j.Close()

	if id != "" {
		e, err := j.Get(ctx, id)
		if err == history.ErrNotFound {
			return neterr.InvalidArgument("no apply with id %s", id)
		}
		if err != nil {
			return err
		}
		printEntry(e)
		return nil
	}

	entries, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		Printer.Println("No applies recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "ID\tSTARTED\tDURATION\tRESULT\tPLAN")
	for _, e := range entries {
		Printer.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
			e.ID, e.Started.Local().Format(time.DateTime), e.Duration().Round(time.Millisecond), e.Result, e.Plan)
	}
	return w.Flush()
}

func printEntry(e *history.Entry) {
	Printer.Printf("ID:         %s\n", e.ID)
	Printer.Printf("Started:    %s\n", e.Started.Local().Format(time.RFC3339))
	Printer.Printf("Finished:   %s\n", e.Finished.Local().Format(time.RFC3339))
	Printer.Printf("Result:     %s\n", e.Result)
	Printer.Printf("Plan:       %s\n", e.Plan)
	if e.Checkpoint != "" {
		Printer.Printf("Checkpoint: %s\n", e.Checkpoint)
	}
	if e.Message != "" {
		Printer.Printf("Message:    %s\n", e.Message)
	}
}
