package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const timeFormat = "2006-01-02 15:04:05"

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.TabIndent)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and store the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		token, err := apiClient().Login(username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		viper.Set("token", token)
		if err := viper.WriteConfig(); err != nil {
			if err = viper.SafeWriteConfig(); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
		}
		fmt.Println("Login successful")
		return nil
	},
}

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "Show the live container grid",
	RunE: func(cmd *cobra.Command, args []string) error {
		samples, err := apiClient().Containers()
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "NAME\tSTATUS\tHEALTH\tCPU %\tMEM %\tRESTARTS\tSAMPLED\t")
		for _, s := range samples {
			cpu := "-"
			if s.Metrics.CPUValid {
				cpu = fmt.Sprintf("%.1f", s.Metrics.CPUPercent)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%d\t%s\t\n",
				s.Name, s.Status, s.HealthStatus, cpu,
				s.Metrics.MemoryPercent, s.RestartCount,
				s.SampledAt.Local().Format(timeFormat))
		}
		return w.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the pipeline event timeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		events, err := apiClient().Events(kind, limit)
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "TIME\tAGENT\tKIND\tDATA\t")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
				e.Timestamp.Local().Format(timeFormat), e.Agent, e.Kind, truncate(string(e.Data), 80))
		}
		return w.Flush()
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [container]",
	Short: "Show a container's remediation audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := apiClient().Audit(args[0], limit)
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "TIME\tACTION\tRESULT\tREJECTION\tDRY RUN\tERROR\t")
		for _, e := range entries {
			dryRun := ""
			if e.DryRun {
				dryRun = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
				e.Timestamp.Local().Format(timeFormat), e.Action, e.Result,
				e.Rejection, dryRun, truncate(e.Error, 60))
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [container]",
	Short: "Show a container's health alert history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		alerts, err := apiClient().History(args[0], limit)
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "STATUS\tISSUE\tSEVERITY\tACTUAL\tTHRESHOLD\t")
		for _, a := range alerts {
			for _, issue := range a.Issues {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%.1f\t\n",
					a.Status, issue.Type, issue.Severity, issue.Actual, issue.Threshold)
			}
		}
		return w.Flush()
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show pipeline agent heartbeats",
	RunE: func(cmd *cobra.Command, args []string) error {
		beats, err := apiClient().Agents()
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "AGENT\tSTATE\tSTARTED\tUPDATED\tCOUNTERS\t")
		for _, b := range beats {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t\n",
				b.Agent, b.State,
				b.StartedAt.Local().Format(timeFormat),
				b.UpdatedAt.Local().Format(timeFormat),
				b.Counters)
		}
		return w.Flush()
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate and list remediation reports",
}

var reportGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a report over the last N hours",
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		rep, err := apiClient().GenerateReport(hours)
		if err != nil {
			return err
		}
		printReport(rep.PeriodStart, rep.PeriodEnd, rep.TotalOutcomes, rep.Succeeded,
			rep.Failed, rep.Rejected, rep.NotApplicable, rep.FalseAlarms, rep.TopContainers)
		return nil
	},
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		reports, err := apiClient().Reports(limit)
		if err != nil {
			return err
		}

		w := newTabWriter()
		fmt.Fprintln(w, "GENERATED\tPERIOD\tOUTCOMES\tOK\tFAILED\tREJECTED\tN/A\tFALSE ALARMS\t")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%s - %s\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
				r.GeneratedAt.Local().Format(timeFormat),
				r.PeriodStart.Local().Format(timeFormat),
				r.PeriodEnd.Local().Format(timeFormat),
				r.TotalOutcomes, r.Succeeded, r.Failed, r.Rejected,
				r.NotApplicable, r.FalseAlarms)
		}
		return w.Flush()
	},
}

func printReport(start, end time.Time, total, ok, failed, rejected, na, falseAlarms int, top string) {
	fmt.Printf("Period:        %s - %s\n", start.Local().Format(timeFormat), end.Local().Format(timeFormat))
	fmt.Printf("Outcomes:      %d\n", total)
	fmt.Printf("Succeeded:     %d\n", ok)
	fmt.Printf("Failed:        %d\n", failed)
	fmt.Printf("Rejected:      %d\n", rejected)
	fmt.Printf("N/A:           %d\n", na)
	fmt.Printf("False alarms:  %d\n", falseAlarms)
	if top != "" && top != "[]" {
		fmt.Printf("Top:           %s\n", top)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "Username")
	loginCmd.Flags().StringP("password", "p", "", "Password")
	loginCmd.MarkFlagRequired("username")
	loginCmd.MarkFlagRequired("password")

	eventsCmd.Flags().String("kind", "", "Filter by event kind")
	eventsCmd.Flags().Int("limit", 50, "Maximum events to show")
	auditCmd.Flags().Int("limit", 50, "Maximum entries to show")
	historyCmd.Flags().Int("limit", 50, "Maximum alerts to show")
	reportListCmd.Flags().Int("limit", 10, "Maximum reports to show")
	reportGenerateCmd.Flags().Int("hours", 24, "Report window in hours")

	reportCmd.AddCommand(reportGenerateCmd)
	reportCmd.AddCommand(reportListCmd)

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(containersCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(reportCmd)
}
