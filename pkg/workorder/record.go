package workorder

import (
	"github.com/Mindburn-Labs/helm-dispatch/pkg/ledger"
)

// Metadata keys specific to work order lifecycle entries.
const (
	MetaType        = "wo_type"
	MetaParentWO    = "parent_wo_id"
	MetaConstraints = "constraints"
	MetaCriteria    = "acceptance_criteria"
	MetaOutput      = "output_result"
	MetaCost        = "cost"
	MetaCreatedBy   = "created_by"
)

// LedgerEntry builds a lifecycle entry carrying the work order's identity
// and current state. extra is merged last.
func LedgerEntry(wo *WorkOrder, event ledger.EventType, decision ledger.Decision, agentID, parentEventID string, extra map[string]any) ledger.Entry {
	meta := map[string]any{
		ledger.MetaSessionID:   wo.SessionID,
		ledger.MetaWorkOrderID: wo.ID,
		ledger.MetaAgentID:     agentID,
		ledger.MetaState:       string(wo.State),
		ledger.MetaContextHash: wo.Input.Hash,
		MetaType:               string(wo.Type),
	}
	if parentEventID != "" {
		meta[ledger.MetaParentEventID] = parentEventID
	}
	if wo.ParentID != "" {
		meta[MetaParentWO] = wo.ParentID
	}
	for k, v := range extra {
		meta[k] = v
	}
	return ledger.Entry{
		EventType:    event,
		SubmissionID: wo.ID,
		Decision:     decision,
		Metadata:     meta,
	}
}

// CreatedEntry is the planning record: everything needed to rebuild the
// work order except its opaque context data.
func CreatedEntry(wo *WorkOrder, agentID, parentEventID string) ledger.Entry {
	return LedgerEntry(wo, ledger.EventWorkOrderCreated, ledger.DecisionRecorded, agentID, parentEventID, map[string]any{
		ledger.MetaContractRef: wo.Constraints.ContractRef,
		MetaConstraints:        wo.Constraints,
		MetaCriteria:           wo.AcceptanceCriteria,
		MetaCreatedBy:          wo.CreatedBy,
	})
}

// TerminalEntry records a completed or failed work order.
func TerminalEntry(wo *WorkOrder, agentID, parentEventID string) ledger.Entry {
	extra := map[string]any{
		MetaCost:                wo.Cost,
		ledger.MetaInputTokens:  wo.Cost.InputTokens,
		ledger.MetaOutputTokens: wo.Cost.OutputTokens,
	}
	if wo.State == StateCompleted {
		extra[MetaOutput] = wo.Output
		return LedgerEntry(wo, ledger.EventWorkOrderCompleted, ledger.DecisionSuccess, agentID, parentEventID, extra)
	}
	e := LedgerEntry(wo, ledger.EventWorkOrderFailed, ledger.DecisionError, agentID, parentEventID, extra)
	if wo.Error != nil {
		e.Reason = wo.Error.Error()
		e.Metadata[ledger.MetaErrorCode] = wo.Error.Code
		e.Metadata[ledger.MetaErrorMessage] = wo.Error.Message
	}
	return e
}
