package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/fleetdispatch/pkg/client"
	"github.com/spf13/cobra"
)

type command struct {
	global *GlobalFlags
}

// client builds an API client. Without --token, a configured operator key
// is exchanged for an operator token first.
func (c command) client(ctx context.Context) (*client.Client, error) {
	cl, err := client.New(client.Config{
		BaseURL:  c.global.APIUrl,
		Timeout:  c.global.APITimeout,
		Token:    c.global.Token,
		Insecure: c.global.Insecure,
	})
	if err != nil || c.global.Token != "" || c.global.OperatorKey == "" {
		return cl, err
	}
	tok, err := cl.OperatorToken(ctx, c.global.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("operator token: %w", err)
	}
	cl.SetToken(tok.Value)
	return cl, nil
}

func createReconcileCommand(c command) *cobra.Command {
	flags := &ReconcileFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Sync presence into device records and demote stale devices",
		Long: `Run one reconciliation on the daemon. Devices marked connected whose
last activity is older than the timeout are marked offline.

Examples:
  fleetdispatch reconcile
  fleetdispatch reconcile --timeout 10m -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			rep, err := cl.Reconcile(cmd.Context(), flags.Timeout)
			if errors.Is(err, client.ErrInProgress) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "skipped: reconciliation already in progress")
				return nil
			}
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, rep, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "synced\t%d\n", rep.Synced)
				_, _ = fmt.Fprintf(tw, "stale\t%d\n", rep.Stale)
				_, _ = fmt.Fprintf(tw, "demoted\t%d\t%s\n", len(rep.Demoted), strings.Join(rep.Demoted, ","))
				_, _ = fmt.Fprintf(tw, "failed\t%d\n", rep.Failed)
				_, _ = fmt.Fprintf(tw, "timeout\t%s\n", rep.Timeout)
			})
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "offline timeout (default: daemon setting)")
	return cmd
}

func createDispatchCommand(c command) *cobra.Command {
	flags := &DispatchFlags{}
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch due pending jobs to connected devices",
		Long: `Run one scheduler pass on the daemon. With --dry-run nothing changes
and the jobs that would be dispatched are counted.

Examples:
  fleetdispatch dispatch
  fleetdispatch dispatch --dry-run -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			var dry *bool
			if cmd.Flags().Changed("dry-run") {
				dry = &flags.DryRun
			}
			sum, err := cl.Dispatch(cmd.Context(), dry)
			if errors.Is(err, client.ErrInProgress) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "skipped: scheduler run already in progress")
				return nil
			}
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, sum, func(tw *tabwriter.Writer) {
				if sum.DryRun {
					_, _ = fmt.Fprintf(tw, "would dispatch\t%d\n", sum.WouldDispatch)
				} else {
					_, _ = fmt.Fprintf(tw, "dispatched\t%d\n", sum.Dispatched)
				}
				_, _ = fmt.Fprintf(tw, "skipped\t%d\n", sum.Skipped)
				for _, s := range sum.Skips {
					_, _ = fmt.Fprintf(tw, "  job %d\t%s\t%s\n", s.JobID, s.DeviceID, s.Reason)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "count jobs without dispatching")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connected devices and the next periodic runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			st, err := cl.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, st, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "connected\t%d\t%s\n", len(st.Connected), strings.Join(st.Connected, ","))
				for name, next := range st.NextRuns {
					_, _ = fmt.Fprintf(tw, "next %s\t%s\n", name, fmtTime(&next))
				}
			})
		},
	}
}

func createDevicesCommand(c command) *cobra.Command {
	cmd := &cobra.Command{Use: "devices", Short: "Manage devices"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			devs, err := cl.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, devs, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATE\tLIVE\tSTALE\tLAST ACTIVE")
				for _, d := range devs {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n", d.ID, d.Name, d.State, d.Live, d.Stale, fmtTime(d.LastActiveAt))
				}
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			d, err := cl.GetDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, d, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "id\t%s\nname\t%s\nmodel\t%s\nos\t%s\nstate\t%s\nlive\t%t\nlast active\t%s\n",
					d.ID, d.Name, d.Model, d.OSVersion, d.State, d.Live, fmtTime(d.LastActiveAt))
			})
		},
	}

	rf := &RegisterDeviceFlags{}
	register := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a device or update its details",
		Long: `Register a device. With device authentication enabled the secret is
printed once; store it on the device.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := cl.RegisterDevice(cmd.Context(), client.RegisterDeviceRequest{
				ID: args[0], Name: rf.Name, Model: rf.Model, OSVersion: rf.OSVersion,
			})
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, resp, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "registered\t%s\n", resp.Device.ID)
				if resp.Secret != "" {
					_, _ = fmt.Fprintf(tw, "secret\t%s\n", resp.Secret)
				}
			})
		},
	}
	register.Flags().StringVar(&rf.Name, "name", "", "display name (default: id)")
	register.Flags().StringVar(&rf.Model, "model", "", "device model")
	register.Flags().StringVar(&rf.OSVersion, "os-version", "", "operating system version")

	cmd.AddCommand(list, get, register)
	return cmd
}

func createFlowsCommand(c command) *cobra.Command {
	cmd := &cobra.Command{Use: "flows", Short: "Manage flows"}
	ff := &CreateFlowFlags{}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a flow",
		Long: `Create a flow. The definition is opaque JSON handed to devices.

Examples:
  fleetdispatch flows create --name post-story --definition '{"steps":["open","post"]}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var def json.RawMessage
			if ff.Definition != "" {
				if !json.Valid([]byte(ff.Definition)) {
					return fmt.Errorf("--definition must be valid JSON")
				}
				def = json.RawMessage(ff.Definition)
			}
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			f, err := cl.CreateFlow(cmd.Context(), ff.Name, def)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, f, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintf(tw, "created flow\t%d\t%s\n", f.ID, f.Name)
			})
		},
	}
	create.Flags().StringVar(&ff.Name, "name", "", "flow name (required)")
	create.Flags().StringVar(&ff.Definition, "definition", "", "flow definition JSON")
	if err := create.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	cmd.AddCommand(create)
	return cmd
}

func createJobsCommand(c command) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Manage workflow jobs"}

	jf := &CreateJobFlags{}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a pending job",
		Long: `Create a pending job for a device.

Examples:
  fleetdispatch jobs create --name morning --flow 1 --device phone-1
  fleetdispatch jobs create --name later --flow 1 --device phone-1 --at 2026-01-02T09:00:00Z --priority 9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := client.CreateJobRequest{Name: jf.Name, FlowID: jf.FlowID, DeviceID: jf.DeviceID, Priority: jf.Priority}
			if jf.ScheduledAt != "" {
				at, err := time.Parse(time.RFC3339, jf.ScheduledAt)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req.ScheduledAt = &at
			}
			if jf.Params != "" {
				if !json.Valid([]byte(jf.Params)) {
					return fmt.Errorf("--params must be valid JSON")
				}
				req.Params = json.RawMessage(jf.Params)
			}
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			j, err := cl.CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJob(cmd, c.global.Output, j)
		},
	}
	create.Flags().StringVar(&jf.Name, "name", "", "job name (required)")
	create.Flags().Int64Var(&jf.FlowID, "flow", 0, "flow id (required)")
	create.Flags().StringVar(&jf.DeviceID, "device", "", "target device id")
	create.Flags().StringVar(&jf.ScheduledAt, "at", "", "earliest dispatch time, RFC3339")
	create.Flags().IntVar(&jf.Priority, "priority", 0, "priority 1..10 (default: daemon setting)")
	create.Flags().StringVar(&jf.Params, "params", "", "job parameters JSON")
	for _, f := range []string{"name", "flow"} {
		if err := create.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	lf := &ListJobsFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := cl.ListJobs(cmd.Context(), client.JobQuery{Status: lf.Status, DeviceID: lf.DeviceID, Limit: lf.Limit})
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), c.global.Output, jobs, func(tw *tabwriter.Writer) {
				_, _ = fmt.Fprintln(tw, "ID\tNAME\tDEVICE\tSTATUS\tPRIORITY\tSCHEDULED")
				for _, j := range jobs {
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", j.ID, j.Name, j.DeviceID, j.Status, j.Priority, fmtTime(j.ScheduledAt))
				}
			})
		},
	}
	list.Flags().StringVar(&lf.Status, "status", "", "filter by status")
	list.Flags().StringVar(&lf.DeviceID, "device", "", "filter by device")
	list.Flags().IntVar(&lf.Limit, "limit", 50, "maximum number of jobs")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			j, err := cl.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJob(cmd, c.global.Output, j)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job that has not started running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			cl, err := c.client(cmd.Context())
			if err != nil {
				return err
			}
			j, err := cl.CancelJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJob(cmd, c.global.Output, j)
		},
	}

	cmd.AddCommand(create, list, get, cancel)
	return cmd
}

func printJob(cmd *cobra.Command, format string, j client.Job) error {
	return printOutput(cmd.OutOrStdout(), format, j, func(tw *tabwriter.Writer) {
		_, _ = fmt.Fprintf(tw, "id\t%d\nname\t%s\nflow\t%d\ndevice\t%s\nstatus\t%s\npriority\t%d\nscheduled\t%s\ndispatched\t%s\n",
			j.ID, j.Name, j.FlowID, j.DeviceID, j.Status, j.Priority, fmtTime(j.ScheduledAt), fmtTime(j.DispatchedAt))
		if j.Error != "" {
			_, _ = fmt.Fprintf(tw, "error\t%s\n", j.Error)
		}
	})
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
