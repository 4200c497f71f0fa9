package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-hub/internal/cron"
	"github.com/dayuer/nanobot-hub/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled triggers in the job store",
}

type jobFlags struct {
	id, name, cronExpr, tz, session, note, jobType, description string
	disabled, ephemeral                                         bool
}

var jf jobFlags

func init() {
	rootCmd.AddCommand(jobsCmd)

	listCmd := &cobra.Command{Use: "list", Short: "List jobs", Args: cobra.NoArgs, RunE: runJobsList}
	addCmd := &cobra.Command{Use: "add", Short: "Add a job", Args: cobra.NoArgs, RunE: runJobsAdd}
	updateCmd := &cobra.Command{Use: "update <id>", Short: "Change fields of a job", Args: cobra.ExactArgs(1), RunE: runJobsUpdate}
	rmCmd := &cobra.Command{Use: "rm <id>", Short: "Delete a job", Args: cobra.ExactArgs(1), RunE: runJobsRemove}
	enableCmd := &cobra.Command{Use: "enable <id>", Short: "Enable a job", Args: cobra.ExactArgs(1), RunE: runJobsToggle(true)}
	disableCmd := &cobra.Command{Use: "disable <id>", Short: "Disable a job", Args: cobra.ExactArgs(1), RunE: runJobsToggle(false)}
	importCmd := &cobra.Command{Use: "import <jobs.yaml>", Short: "Upsert jobs from a YAML file", Args: cobra.ExactArgs(1), RunE: runJobsImport}

	for _, c := range []*cobra.Command{addCmd, updateCmd} {
		f := c.Flags()
		f.StringVar(&jf.name, "name", "", "Display name")
		f.StringVar(&jf.cronExpr, "cron", "", `Cron expression ("*/5 * * * *", "@daily")`)
		f.StringVar(&jf.tz, "tz", "", "IANA timezone (default UTC)")
		f.StringVar(&jf.session, "session", "", "Target session channel:chat_id (active_agent jobs)")
		f.StringVar(&jf.note, "note", "", "Note handed to the pipeline (active_agent jobs)")
		f.StringVar(&jf.jobType, "type", "", "basic | active_agent (default active_agent when --session is set)")
		f.StringVar(&jf.description, "description", "", "Free-form description")
		f.BoolVar(&jf.ephemeral, "ephemeral", false, "Do not reload the job on restart")
	}
	addCmd.Flags().StringVar(&jf.id, "id", "", "Job id (default random)")
	addCmd.Flags().BoolVar(&jf.disabled, "disabled", false, "Create the job disabled")

	jobsCmd.AddCommand(listCmd, addCmd, updateCmd, rmCmd, enableCmd, disableCmd, importCmd)
}

// withScheduler opens the job store behind an unstarted dispatcher, so the
// CLI applies the same validation as the server.
func withScheduler(fn func(ctx context.Context, d *cron.Dispatcher) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(cfg.Cron.DBPath)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer st.Close()
	d := cron.NewDispatcher(cron.Options{Store: st, MisfireGrace: cfg.Cron.MisfireGrace()})
	return fn(context.Background(), d)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	return withScheduler(func(ctx context.Context, d *cron.Dispatcher) error {
		jobs, err := d.ListJobs(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tCRON\tTZ\tENABLED\tSTATUS\tNEXT RUN\tLAST ERROR")
		for _, j := range jobs {
			tz := j.Timezone
			if tz == "" {
				tz = "UTC"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
				j.ID, j.Type, j.CronExpr, tz, j.Enabled, j.Status, formatRunTime(j.NextRunTime), j.LastError)
		}
		return w.Flush()
	})
}

func formatRunTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func runJobsAdd(cmd *cobra.Command, _ []string) error {
	job := &store.Job{
		ID:          jf.id,
		Name:        jf.name,
		Type:        store.JobType(jf.jobType),
		CronExpr:    jf.cronExpr,
		Timezone:    jf.tz,
		Description: jf.description,
		Enabled:     !jf.disabled,
		Persistent:  !jf.ephemeral,
	}
	if job.Type == "" {
		job.Type = store.JobBasic
		if jf.session != "" {
			job.Type = store.JobActiveAgent
		}
	}
	if job.Type == store.JobActiveAgent {
		job.Payload, _ = json.Marshal(cron.ActivePayload{Session: jf.session, Note: jf.note})
	}
	return withScheduler(func(ctx context.Context, d *cron.Dispatcher) error {
		added, err := d.AddJob(ctx, job)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Added job %s (next run %s)\n", added.ID, formatRunTime(added.NextRunTime))
		return nil
	})
}

func runJobsUpdate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	return withScheduler(func(ctx context.Context, d *cron.Dispatcher) error {
		job, err := d.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if f.Changed("name") {
			job.Name = jf.name
		}
		if f.Changed("cron") {
			job.CronExpr = jf.cronExpr
		}
		if f.Changed("tz") {
			job.Timezone = jf.tz
		}
		if f.Changed("type") {
			job.Type = store.JobType(jf.jobType)
		}
		if f.Changed("description") {
			job.Description = jf.description
		}
		if f.Changed("ephemeral") {
			job.Persistent = !jf.ephemeral
		}
		if f.Changed("session") || f.Changed("note") {
			var p cron.ActivePayload
			if len(job.Payload) > 0 {
				_ = json.Unmarshal(job.Payload, &p)
			}
			if f.Changed("session") {
				p.Session = jf.session
			}
			if f.Changed("note") {
				p.Note = jf.note
			}
			job.Payload, _ = json.Marshal(p)
		}
		updated, err := d.UpdateJob(ctx, job)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Updated job %s (next run %s)\n", updated.ID, formatRunTime(updated.NextRunTime))
		return nil
	})
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	return withScheduler(func(ctx context.Context, d *cron.Dispatcher) error {
		if err := d.DeleteJob(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted job %s\n", args[0])
		return nil
	})
}

func runJobsToggle(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(ctx context.Context, d *cron.Dispatcher) error {
			if _, err := d.SetEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Job %s %s\n", args[0], state)
			return nil
		})
	}
}

func runJobsImport(cmd *cobra.Command, args []string) error {
	jobs, err := cron.LoadSeedFile(args[0])
	if err != nil {
		return err
	}
	return withScheduler(func(ctx context.Context, d *cron.Dispatcher) error {
		created, updated, err := d.Import(ctx, jobs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %s: %d created, %d updated\n", args[0], created, updated)
		return nil
	})
}
