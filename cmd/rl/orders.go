package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repairline/internal/app"
	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/repo"
)

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Manage repair orders",
	}
	cmd.AddCommand(orderCreateCmd())
	cmd.AddCommand(orderListCmd())
	cmd.AddCommand(orderShowCmd())
	cmd.AddCommand(orderAddVisitCmd())
	return cmd
}

func orderCreateCmd() *cobra.Command {
	var opts engine.CreateOrderOptions
	var visitTypes []string
	var scheduled string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order with its initial visits",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := optionalDate(scheduled)
			if err != nil {
				return err
			}
			for _, vt := range visitTypes {
				opts.Visits = append(opts.Visits, engine.NewVisit{VisitType: vt, ScheduledDate: date})
			}
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				opts.ActorID = techID
				o, err := rt.Engine.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				fmt.Printf("order %s created (%s)\n", o.OrderNumber, o.Status)
				printVisits(o.Visits)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.OrderNumber, "number", "", "order number (defaults to the generated id)")
	cmd.Flags().StringVar(&opts.Client.Name, "client-name", "", "client name")
	cmd.Flags().StringVar(&opts.Client.Phone, "client-phone", "", "client phone")
	cmd.Flags().StringVar(&opts.Client.Address, "client-address", "", "client address")
	cmd.Flags().StringVar(&opts.Device.Type, "device-type", "", "device type")
	cmd.Flags().StringVar(&opts.Device.Brand, "brand", "", "device brand")
	cmd.Flags().StringVar(&opts.Device.Model, "model", "", "device model")
	cmd.Flags().StringSliceVar(&visitTypes, "visit", nil, "initial visit type (repeatable)")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "schedule the initial visits (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				orders, err := rt.Engine.ListOrders(ctx, f, techID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Status", "Client", "Device", "Visits", "Next step", "Updated"})
				for _, o := range orders {
					tw.AppendRow(table.Row{
						o.OrderNumber, o.Status, o.Client.Name,
						deviceLabel(o.Device), len(o.Visits), o.NextStepRequired,
						o.LastUpdated.Format("2006-01-02 15:04"),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TechnicianID, "assigned-to", "", "only orders with a visit for this technician")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum orders")
	return cmd
}

func orderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <order-number-or-id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				o, err := rt.Engine.GetOrder(ctx, args[0], techID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				fmt.Printf("Order %s  [%s]\n", o.OrderNumber, o.Status)
				fmt.Printf("Client: %s  %s  %s\n", o.Client.Name, o.Client.Phone, o.Client.Address)
				fmt.Printf("Device: %s\n", deviceLabel(o.Device))
				if o.NextStepRequired != "" {
					fmt.Printf("Next step: %s\n", o.NextStepRequired)
				}
				printVisits(o.Visits)
				return nil
			})
		},
	}
}

func orderAddVisitCmd() *cobra.Command {
	var opts engine.AddVisitOptions
	var scheduled string
	cmd := &cobra.Command{
		Use:   "add-visit <order-number-or-id>",
		Short: "Add a follow-up visit to an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := optionalDate(scheduled)
			if err != nil {
				return err
			}
			opts.OrderRef = args[0]
			opts.ScheduledDate = date
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				opts.TechnicianID = techID
				res, err := rt.Engine.AddVisit(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("visit %s added to %s (order %s, %d visits)\n", res.Visit.ID, res.Order.OrderNumber, res.Order.Status, res.Order.VisitsCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.VisitType, "type", "", "visit type")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what the visit is for")
	cmd.Flags().StringVar(&scheduled, "scheduled", "", "scheduled date (YYYY-MM-DD or RFC 3339)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func printVisits(visits []domain.Visit) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Visit", "Type", "Status", "Scheduled", "Technician", "Minutes", "Completion"})
	for _, v := range visits {
		scheduled := ""
		if v.ScheduledDate != nil {
			scheduled = v.ScheduledDate.Format("2006-01-02")
		}
		status := string(v.Status)
		if engine.OpenSession(&v) >= 0 {
			status += " (working)"
		}
		minutes := engine.TotalMinutes(&v)
		tw.AppendRow(table.Row{v.ID, v.VisitType, status, scheduled, v.TechnicianID, minutes, v.CompletionType})
	}
	tw.Render()
}

func deviceLabel(d domain.DeviceInfo) string {
	label := d.Type
	if d.Brand != "" || d.Model != "" {
		label = fmt.Sprintf("%s %s %s", d.Type, d.Brand, d.Model)
	}
	return label
}
