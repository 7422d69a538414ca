package events

// Event enumerates high-level topics inside the BNPL core.
type Event string

const (
	EventLedgerConfirmation Event = "ledger.confirmation"
	EventPipelineTransition Event = "pipeline.transition"
	EventPipelineConfirmed  Event = "pipeline.confirmed"
	EventPipelineFailed     Event = "pipeline.failed"
	EventAgreementCreated   Event = "agreement.created"
	EventPaymentRecorded    Event = "agreement.payment_recorded"
	EventRiskAlert          Event = "risk_alert"
)
