package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repairline/internal/app"
	"repairline/internal/domain"
	"repairline/internal/engine"
)

func visitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visit",
		Short: "Work on visits",
		Long:  "A visit is one technician trip. Start and stop record work sessions; complete declares the outcome and recomputes the order.",
	}
	cmd.AddCommand(visitShowCmd())
	cmd.AddCommand(visitStartCmd())
	cmd.AddCommand(visitStopCmd())
	cmd.AddCommand(visitCompleteCmd())
	cmd.AddCommand(visitScheduleCmd())
	cmd.AddCommand(visitCancelCmd())
	cmd.AddCommand(visitPhotosCmd())
	return cmd
}

// visitAction wires a single-visit command whose engine call returns the updated visit.
func visitAction(use, short string, call func(ctx context.Context, e engine.Engine, visitID, techID string) (domain.Visit, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <visit-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				v, err := call(ctx, rt.Engine, args[0], techID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				printVisits([]domain.Visit{v})
				return nil
			})
		},
	}
}

func visitShowCmd() *cobra.Command {
	return visitAction("show", "Show a visit", func(ctx context.Context, e engine.Engine, visitID, techID string) (domain.Visit, error) {
		return e.GetVisit(ctx, visitID, techID)
	})
}

func visitStartCmd() *cobra.Command {
	return visitAction("start", "Open a work session", func(ctx context.Context, e engine.Engine, visitID, techID string) (domain.Visit, error) {
		return e.StartWork(ctx, visitID, techID)
	})
}

func visitStopCmd() *cobra.Command {
	return visitAction("stop", "Close the open work session", func(ctx context.Context, e engine.Engine, visitID, techID string) (domain.Visit, error) {
		return e.StopWork(ctx, visitID, techID)
	})
}

func visitScheduleCmd() *cobra.Command {
	var date string
	cmd := visitAction("schedule", "Schedule or move a visit", func(ctx context.Context, e engine.Engine, visitID, techID string) (domain.Visit, error) {
		when, err := parseDate(date)
		if err != nil {
			return domain.Visit{}, err
		}
		return e.ScheduleVisit(ctx, visitID, when, techID)
	})
	cmd.Flags().StringVar(&date, "date", "", "scheduled date (YYYY-MM-DD or RFC 3339)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func visitCancelCmd() *cobra.Command {
	var reason string
	cmd := visitAction("cancel", "Cancel a visit", func(ctx context.Context, e engine.Engine, visitID, techID string) (domain.Visit, error) {
		return e.CancelVisit(ctx, visitID, reason, techID)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func visitPhotosCmd() *cobra.Command {
	var photos []string
	cmd := visitAction("photos", "Attach photo ids to a visit", func(ctx context.Context, e engine.Engine, visitID, techID string) (domain.Visit, error) {
		return e.AttachPhotos(ctx, visitID, photos, techID)
	})
	cmd.Flags().StringSliceVar(&photos, "photo", nil, "photo id (repeatable)")
	return cmd
}

func visitCompleteCmd() *cobra.Command {
	var req engine.CompleteVisitRequest
	var completionType string
	var models, parts []string
	var pay paymentFlags
	cmd := &cobra.Command{
		Use:   "complete <visit-id>",
		Short: "Complete a visit",
		Long:  "Completion types: diagnosis_complete, diagnosis_continue, repair_complete, repair_continue, no_access.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.VisitID = args[0]
			req.CompletionType = domain.CompletionType(completionType)
			var err error
			if req.DetectedModels, err = parseModels(models); err != nil {
				return err
			}
			if req.SelectedParts, err = parseParts(parts); err != nil {
				return err
			}
			if cmd.Flags().Changed("payment-amount") {
				req.Payment = pay.payment()
			}
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				res, err := rt.Engine.CompleteVisit(ctx, techID, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("visit %s %s (%s) after %d min; order is %s\n", res.VisitID, res.Status, res.CompletionType, res.Duration, res.OrderStatus)
				if res.RequiresFollowUp {
					fmt.Println("follow-up visit required")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&completionType, "type", "", "completion type")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "completion notes")
	cmd.Flags().StringSliceVar(&req.CompletionPhotoIDs, "completion-photo", nil, "completion photo id (repeatable)")
	cmd.Flags().StringSliceVar(&req.PhotoIDs, "photo", nil, "all photo ids for the visit (repeatable)")
	cmd.Flags().StringArrayVar(&models, "detected-model", nil, "detected model as brand/model[@confidence] (repeatable)")
	cmd.Flags().StringArrayVar(&parts, "part", nil, "used part as name[:quantity[:price]] (repeatable)")
	cmd.Flags().Float64Var(&pay.amount, "payment-amount", 0, "amount charged")
	cmd.Flags().StringVar(&pay.method, "payment-method", "", "payment method")
	cmd.Flags().StringVar(&pay.status, "payment-status", "", "payment status (default unpaid)")
	cmd.Flags().StringVar(&pay.currency, "currency", "", "payment currency")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

type paymentFlags struct {
	amount   float64
	method   string
	status   string
	currency string
}

func (p paymentFlags) payment() *domain.Payment {
	return &domain.Payment{Amount: p.amount, Method: p.method, Status: p.status, Currency: p.currency}
}

// parseModels reads brand/model[@confidence] values.
func parseModels(values []string) ([]domain.DetectedModel, error) {
	var out []domain.DetectedModel
	for _, raw := range values {
		spec, conf, hasConf := strings.Cut(raw, "@")
		brand, model, ok := strings.Cut(spec, "/")
		if !ok || strings.TrimSpace(brand) == "" || strings.TrimSpace(model) == "" {
			return nil, fmt.Errorf("invalid detected model %q: want brand/model", raw)
		}
		m := domain.DetectedModel{Brand: strings.TrimSpace(brand), Model: strings.TrimSpace(model)}
		if hasConf {
			c, err := strconv.ParseFloat(conf, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid confidence in %q: %w", raw, err)
			}
			m.Confidence = c
		}
		out = append(out, m)
	}
	return out, nil
}

// parseParts reads name[:quantity[:price]] values; quantity defaults to 1.
func parseParts(values []string) ([]domain.UsedPart, error) {
	var out []domain.UsedPart
	for _, raw := range values {
		fields := strings.Split(raw, ":")
		if len(fields) > 3 || strings.TrimSpace(fields[0]) == "" {
			return nil, fmt.Errorf("invalid part %q: want name[:quantity[:price]]", raw)
		}
		p := domain.UsedPart{Name: strings.TrimSpace(fields[0]), Quantity: 1}
		if len(fields) > 1 {
			q, err := strconv.Atoi(fields[1])
			if err != nil || q < 1 {
				return nil, fmt.Errorf("invalid quantity in part %q", raw)
			}
			p.Quantity = q
		}
		if len(fields) > 2 {
			price, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid price in part %q: %w", raw, err)
			}
			p.Price = price
		}
		out = append(out, p)
	}
	return out, nil
}
