package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/momentumfirm/finhub/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect export job history",
	Long:  "Commands for listing and viewing export jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List export jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		entity, _ := cmd.Flags().GetString("entity")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetDuration("since")

		filter := model.JobFilter{
			Status: model.JobStatus(status),
			Entity: entity,
			Limit:  limit,
		}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}

		jobs, err := st.ListJobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of an export job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (queued, running, completed, failed)")
	jobsListCmd.Flags().String("entity", "", "filter by entity")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")
	jobsListCmd.Flags().Duration("since", 0, "only jobs created within this window (e.g. 24h)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of export jobs to w.
func formatJobsList(out io.Writer, jobs []model.ExportJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tENTITY\tPERIOD\tSTATUS\tPROG\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t------\t----\t-------\t--------")

	for _, j := range jobs {
		dur := j.UpdatedAt.Sub(j.CreatedAt).Round(time.Second).String()

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\t%s\n",
			truncateID(j.ID),
			j.Kind,
			j.Entity,
			j.Period,
			j.Status,
			j.Progress,
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
