package main

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/pkg/stepflow"
)

// ApprovalRequest is the input of the approval workflow.
type ApprovalRequest struct {
	Item   string  `json:"item"`
	Amount float64 `json:"amount"`
}

// ApprovalDecision is the output of the approval workflow.
type ApprovalDecision struct {
	Item     string    `json:"item"`
	Approved bool      `json:"approved"`
	Reviewed time.Time `json:"reviewed_at"`
}

const approvalSchema = `{
  "type": "object",
  "required": ["item", "amount"],
  "properties": {
    "item": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "minimum": 0}
  }
}`

// registerDemoWorkflows adds the workflow types served by the binary:
//
//	echo      returns its input through one activity
//	approval  waits for an "approved" signal; amounts under the auto-approve
//	          limit are approved without one
func registerDemoWorkflows(r *stepflow.Registry, logger *slog.Logger) error {
	err := stepflow.Register(r, "echo", func() stepflow.WorkflowFunc[json.RawMessage, json.RawMessage] {
		return func(wc *stepflow.Context, in json.RawMessage) (json.RawMessage, error) {
			return stepflow.Activity(wc, "echo", func(*stepflow.Context) (json.RawMessage, error) {
				return in, nil
			})
		}
	})
	if err != nil {
		return err
	}

	return stepflow.Register(r, "approval", func() stepflow.WorkflowFunc[ApprovalRequest, ApprovalDecision] {
		return func(wc *stepflow.Context, req ApprovalRequest) (ApprovalDecision, error) {
			err := stepflow.Do(wc, "notify-reviewer", func(sc *stepflow.Context) error {
				sc.Logger().Info("approval requested",
					slog.String("item", req.Item),
					slog.Float64("amount", req.Amount),
				)
				return nil
			})
			if err != nil {
				return ApprovalDecision{}, err
			}

			approved := req.Amount < autoApproveLimit
			if !approved {
				if approved, err = stepflow.AwaitSignal[bool](wc, "approved"); err != nil {
					return ApprovalDecision{}, err
				}
			}

			return stepflow.Activity(wc, "record-decision", func(*stepflow.Context) (ApprovalDecision, error) {
				logger.Info("approval decided", slog.String("item", req.Item), slog.Bool("approved", approved))
				return ApprovalDecision{Item: req.Item, Approved: approved, Reviewed: time.Now().UTC()}, nil
			})
		}
	}, stepflow.WithInputSchema([]byte(approvalSchema)))
}

// autoApproveLimit is the amount below which approval needs no signal.
const autoApproveLimit = 100
