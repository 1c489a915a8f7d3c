package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRNTI    = "rnti"
	FieldRunID   = "run_id"
	FieldEventID = "event_id"

	// Scheduling fields
	FieldTTI     = "tti"
	FieldCarrier = "cc"
	FieldDir     = "dir"
	FieldProc    = "harq_pid"
	FieldBytes   = "bytes"
	FieldPRB     = "prb"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldReason    = "reason"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
