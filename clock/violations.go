package clock

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
)

// ReportViolation prices and records an externally detected violation
// through the same escalation path as clock actions. A repeated
// IdempotencyKey returns the original charge.
func (a *Authorizer) ReportViolation(ctx context.Context, rep ViolationReport) (*attendance.Charge, error) {
	if rep.EmployeeID == "" {
		return nil, &attendance.ValidationError{Field: "employee_id", Message: "required"}
	}
	if !rep.Type.Valid() {
		return nil, &attendance.ValidationError{Field: "violation_type", Message: fmt.Sprintf("unknown %q", rep.Type)}
	}
	if rep.Actor == "" {
		rep.Actor = SystemActor
	}
	if rep.OccurredAt.IsZero() {
		rep.OccurredAt = a.cfg.Now()
	}

	snap, err := attendance.LoadSnapshot(ctx, a.store, rep.OccurredAt)
	if err != nil {
		return nil, err
	}
	base := snap.Attendance.ChargeAmountFor(rep.Type)
	if rep.BaseAmount != nil {
		base = *rep.BaseAmount
	}
	if !base.IsPositive() {
		return nil, &attendance.ValidationError{Field: "base_amount", Message: "must be positive for " + string(rep.Type)}
	}

	charge, err := a.price(ctx, snap, rep.EmployeeID, rep.Type, rep.OccurredAt, base, rep.EventID, rep.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err = a.store.WithTx(ctx, func(tx attendance.Sink) error {
		if err := tx.RecordCharge(ctx, *charge); err != nil {
			return err
		}
		return tx.RecordAuditFact(ctx, a.fact(rep.Actor, attendance.AuditChargeCreated, charge.ID, chargeReason(charge), rep.OccurredAt))
	})
	if errors.Is(err, attendance.ErrDuplicateIdempotencyKey) {
		return a.chargeByKey(ctx, rep.EmployeeID, rep.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("commit violation: %w", err)
	}

	a.logger.Info("violation charged",
		zap.String("employee_id", string(rep.EmployeeID)),
		zap.String("charge_id", charge.ID),
		zap.String("violation_type", string(rep.Type)),
		zap.Int("ordinal", charge.Ordinal),
		zap.String("final_amount", charge.FinalAmount.String()),
	)
	return charge, nil
}

func (a *Authorizer) chargeByKey(ctx context.Context, employeeID attendance.EmployeeID, key string) (*attendance.Charge, error) {
	charges, err := a.store.ChargesByEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	for i := range charges {
		if charges[i].IdempotencyKey == key {
			return &charges[i], nil
		}
	}
	return nil, attendance.ErrDuplicateIdempotencyKey
}

// UpdateChargeStatus moves a charge through its lifecycle and audits the move.
func (a *Authorizer) UpdateChargeStatus(ctx context.Context, actor, chargeID string, status attendance.ChargeStatus) (*attendance.Charge, error) {
	current, err := a.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", attendance.ErrInvalidTransition, current.Status, status)
	}
	if actor == "" {
		actor = SystemActor
	}
	now := a.cfg.Now()
	err = a.store.WithTx(ctx, func(tx attendance.Sink) error {
		if err := tx.UpdateChargeStatus(ctx, chargeID, status); err != nil {
			return err
		}
		reason := fmt.Sprintf("%s -> %s", current.Status, status)
		return tx.RecordAuditFact(ctx, a.fact(actor, attendance.AuditChargeStatus, chargeID, reason, now))
	})
	if err != nil {
		return nil, err
	}
	current.Status = status
	return current, nil
}
