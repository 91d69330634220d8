// Command bookingctl drives the facility hub API from a terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/facility-hub/facility-hub/internal/client"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

type globals struct {
	server  string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "bookingctl",
		Short:        "Manage machine bookings",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("FACILITY_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("FACILITY_TOKEN"), "session token")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newLoginCmd(g),
		newBootstrapCmd(g),
		newBookingCmd(g),
		newCategoryCmd(g),
		newMachineCmd(g),
		newLedgerCmd(g),
		newUserCmd(g),
		newSnapshotCmd(g),
		newClusterCmd(g),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (g *globals) client() *client.Client {
	return client.New(g.server, g.token)
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLoginCmd(g *globals) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a session and print its token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			s, err := g.client().Login(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export FACILITY_TOKEN=%s\n", s.SessionToken)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", os.Getenv("FACILITY_PASSWORD"), "password")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newBootstrapCmd(g *globals) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first institution administrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			u, err := g.client().Bootstrap(ctx, username, password)
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", os.Getenv("FACILITY_PASSWORD"), "password")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newBookingCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "booking", Short: "Create and decide bookings"}

	var machineID, mode, justification, requestID, start string
	var duration time.Duration
	create := &cobra.Command{
		Use:   "create",
		Short: "Request a booking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			b, err := g.client().CreateBooking(ctx, client.BookingRequest{
				MachineID:     machineID,
				Mode:          booking.Mode(mode),
				Start:         from,
				End:           from.Add(duration),
				Justification: justification,
			}, requestID)
			if err != nil {
				return err
			}
			return printJSON(cmd, b)
		},
	}
	create.Flags().StringVar(&machineID, "machine", "", "machine id, e.g. C01M01")
	create.Flags().StringVar(&mode, "mode", string(booking.ModeWeeklyPlanning), "weekly-planning, same-week-exceptional or monthly-provisional")
	create.Flags().StringVar(&start, "start", "", "start time (RFC3339)")
	create.Flags().DurationVar(&duration, "duration", time.Hour, "booking length")
	create.Flags().StringVar(&justification, "justification", "", "required for same-week requests")
	create.Flags().StringVar(&requestID, "request-id", "", "idempotency key; generated when empty")
	_ = create.MarkFlagRequired("machine")
	_ = create.MarkFlagRequired("start")

	var q client.BookingQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List bookings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			out, err := g.client().ListBookings(ctx, q)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	list.Flags().StringVar(&q.MachineID, "machine", "", "filter by machine")
	list.Flags().StringVar(&q.Status, "status", "", "filter by status")
	list.Flags().StringVar(&q.Mode, "mode", "", "filter by mode")
	list.Flags().StringVar(&q.OwnerID, "owner", "", "filter by owner id")
	list.Flags().IntVar(&q.Limit, "limit", 0, "page size")
	list.Flags().IntVar(&q.Offset, "offset", 0, "page offset")

	var reason string
	decide := func(use, short string, op func(ctx context.Context, c *client.Client, id uuid.UUID) (*booking.Booking, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " BOOKING_ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return err
				}
				ctx, cancel := g.context(cmd)
				defer cancel()
				b, err := op(ctx, g.client(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			},
		}
	}
	approve := decide("approve", "Approve a pending booking", func(ctx context.Context, c *client.Client, id uuid.UUID) (*booking.Booking, error) {
		return c.Approve(ctx, id)
	})
	reject := decide("reject", "Reject a pending booking and refund it", func(ctx context.Context, c *client.Client, id uuid.UUID) (*booking.Booking, error) {
		return c.Reject(ctx, id, reason)
	})
	cancelCmd := decide("cancel", "Cancel a booking and refund it", func(ctx context.Context, c *client.Client, id uuid.UUID) (*booking.Booking, error) {
		return c.Cancel(ctx, id, reason)
	})
	complete := decide("complete", "Mark an elapsed booking completed", func(ctx context.Context, c *client.Client, id uuid.UUID) (*booking.Booking, error) {
		return c.Complete(ctx, id)
	})
	for _, c := range []*cobra.Command{reject, cancelCmd} {
		c.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	}

	var newStart string
	var newDuration time.Duration
	reschedule := decide("reschedule", "Move a booking to a new interval", func(ctx context.Context, c *client.Client, id uuid.UUID) (*booking.Booking, error) {
		from, err := time.Parse(time.RFC3339, newStart)
		if err != nil {
			return nil, fmt.Errorf("--start: %w", err)
		}
		return c.Reschedule(ctx, id, from, from.Add(newDuration))
	})
	reschedule.Flags().StringVar(&newStart, "start", "", "new start time (RFC3339)")
	reschedule.Flags().DurationVar(&newDuration, "duration", time.Hour, "new length")
	_ = reschedule.MarkFlagRequired("start")

	cmd.AddCommand(create, list, approve, reject, cancelCmd, complete, reschedule)
	return cmd
}

func newCategoryCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "category", Short: "Manage machine categories"}

	var req client.CategoryRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a category",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			c, err := g.client().CreateCategory(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
	create.Flags().StringVar(&req.Name, "name", "", "display name")
	create.Flags().Int64Var(&req.TokenCost, "token-cost", 1, "tokens per slot")
	create.Flags().StringSliceVar(&req.Capabilities, "capability", nil, "capability tag (repeatable)")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			out, err := g.client().ListCategories(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	del := &cobra.Command{
		Use:   "delete CATEGORY_ID",
		Short: "Delete a category with no machines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			return g.client().DeleteCategory(ctx, args[0])
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func newMachineCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "machine", Short: "Manage machines"}

	var categoryID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Add a machine to a category",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			m, err := g.client().CreateMachine(ctx, categoryID, name)
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}
	create.Flags().StringVar(&categoryID, "category", "", "category id, e.g. C01")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("category")
	_ = create.MarkFlagRequired("name")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			out, err := g.client().ListMachines(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	list.Flags().StringVar(&filter, "category", "", "filter by category")

	status := &cobra.Command{
		Use:   "status MACHINE_ID STATUS",
		Short: "Set a machine's status (available, in-use, maintenance, retired)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			m, err := g.client().SetMachineStatus(ctx, args[0], machine.Status(args[1]))
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		},
	}

	del := &cobra.Command{
		Use:   "delete MACHINE_ID",
		Short: "Delete a machine with no bookings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			return g.client().DeleteMachine(ctx, args[0])
		},
	}

	cmd.AddCommand(create, list, status, del)
	return cmd
}

func newLedgerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inspect and grant tokens"}

	balance := &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Show a user's token balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			acct, err := g.client().Balance(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, acct)
		},
	}

	var reason string
	grant := &cobra.Command{
		Use:   "grant USER_ID AMOUNT",
		Short: "Grant tokens to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			var amount int64
			if _, err := fmt.Sscan(args[1], &amount); err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			ctx, cancel := g.context(cmd)
			defer cancel()
			acct, err := g.client().Grant(ctx, id, amount, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, acct)
		},
	}
	grant.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")

	cmd.AddCommand(balance, grant)
	return cmd
}

func newUserCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var req client.UserRequest
	var role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Role = user.Role(role)
			ctx, cancel := g.context(cmd)
			defer cancel()
			u, err := g.client().CreateUser(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		},
	}
	create.Flags().StringVarP(&req.Username, "username", "u", "", "username")
	create.Flags().StringVarP(&req.Password, "password", "p", "", "initial password")
	create.Flags().StringVar(&role, "role", string(user.RoleRequester), "role")
	create.Flags().Int64Var(&req.Tokens, "tokens", 0, "initial token allowance")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			out, err := g.client().ListUsers(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}

	me := &cobra.Command{
		Use:   "me",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			u, err := g.client().Me(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, u)
		},
	}

	cmd.AddCommand(create, list, me)
	return cmd
}

func newSnapshotCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the synchronized view for this session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			snap, err := g.client().Snapshot(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
}

func newClusterCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "cluster", Short: "Inspect replication"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show this node's raft state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			st, err := g.client().ClusterStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	})
	return cmd
}
