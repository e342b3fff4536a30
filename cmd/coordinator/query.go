package main

import (
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"qcoord/internal/coordinator"
	"qcoord/internal/domain"
	"qcoord/internal/jobspec"
	"qcoord/internal/session"
)

type queryFlags struct {
	user        string
	timeoutS    int
	phased      bool
	shortCirc   bool
	profile     bool
	showProfile bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "root", "user the query runs as")
	cmd.Flags().IntVar(&f.timeoutS, "timeout", 0, "query timeout in seconds (0 keeps the plan's value)")
	cmd.Flags().BoolVar(&f.phased, "phased", false, "use the phased scheduler")
	cmd.Flags().BoolVar(&f.shortCirc, "short-circuit", false, "serve single point lookups without building a DAG")
}

func (f *queryFlags) session() *session.Context {
	vars := session.DefaultVariables()
	vars.EnablePhasedScheduler = f.phased
	vars.EnableShortCircuit = f.shortCirc
	vars.EnableProfile = f.profile || f.showProfile
	// The profile must be stored before the process exits.
	vars.EnableAsyncProfile = false
	if f.timeoutS > 0 {
		vars.QueryTimeoutS = f.timeoutS
	}
	return session.New(f.user, vars)
}

func loadJob(path string, f *queryFlags) (*jobspec.JobSpec, error) {
	plan, err := jobspec.LoadPlanFile(path)
	if err != nil {
		return nil, err
	}
	js, err := plan.JobSpec(domain.NewUniqueID())
	if err != nil {
		return nil, fmt.Errorf("build job from %s: %w", path, err)
	}
	if f.timeoutS > 0 {
		js.SetQueryTimeout(f.timeoutS)
	}
	return js, nil
}

func newExplainCmd() *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "explain <plan.yaml>",
		Short: "Show how a plan would be scheduled on the configured workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			js, err := loadJob(args[0], &flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			text, err := a.Explain(cmd.Context(), js, flags.session())
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		flags     queryFlags
		statement string
	)
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a plan on the configured workers and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			js, err := loadJob(args[0], &flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			stop, err := serveInBackground(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()

			if statement == "" {
				statement = args[0]
			}
			out := cmd.OutOrStdout()
			rows := newRowPrinter(out)
			res, err := a.Execute(cmd.Context(), js, flags.session(), statement, rows.print)
			if err != nil {
				return err
			}
			if err := rows.flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "query %s: %d rows, status %s\n", res.QueryID, res.Rows, res.Status)

			if flags.showProfile {
				text, err := a.Profiles.Get(res.QueryID.String())
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, text)
				return err
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.profile, "profile", false, "collect the query profile")
	cmd.Flags().BoolVar(&flags.showProfile, "show-profile", false, "print the query profile after the result")
	cmd.Flags().StringVar(&statement, "statement", "", "statement text recorded in the profile")
	return cmd
}

// rowPrinter renders result batches as an aligned table.
type rowPrinter struct {
	tw     *tabwriter.Writer
	header bool
}

func newRowPrinter(w io.Writer) *rowPrinter {
	return &rowPrinter{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
}

func (p *rowPrinter) print(b *coordinator.RowBatch) error {
	if !p.header && len(b.Columns) > 0 {
		p.header = true
		if _, err := fmt.Fprintln(p.tw, strings.Join(b.Columns, "\t")); err != nil {
			return err
		}
	}
	for _, row := range b.Rows {
		if _, err := fmt.Fprintln(p.tw, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

func (p *rowPrinter) flush() error { return p.tw.Flush() }

func listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return lis, nil
}
