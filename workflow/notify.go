package workflow

import "log"

// =============================================================================
// NOTIFIER - Fire-and-forget transition announcements
// =============================================================================

// Notifier is informed of step activation, final approval, and rejection.
// The engine never blocks on delivery and ignores delivery failures;
// implementations must not return errors or block.
type Notifier interface {
	StepActivated(doc Document, ord int, approvers []ApproverID)
	DocumentApproved(doc Document)
	DocumentRejected(doc Document, by ApproverID, reason string)
}

// LogNotifier writes notifications to the process log. Stands in for the
// chat/email dispatch that lives outside this core.
type LogNotifier struct{}

func (LogNotifier) StepActivated(doc Document, ord int, approvers []ApproverID) {
	log.Printf("[Notify] document %s: step %d activated for %v", doc.ID, ord, approvers)
}

func (LogNotifier) DocumentApproved(doc Document) {
	log.Printf("[Notify] document %s approved for %s", doc.ID, doc.SubjectID)
}

func (LogNotifier) DocumentRejected(doc Document, by ApproverID, reason string) {
	log.Printf("[Notify] document %s rejected by %s: %s", doc.ID, by, reason)
}

// NopNotifier discards all notifications. Used in tests.
type NopNotifier struct{}

func (NopNotifier) StepActivated(Document, int, []ApproverID) {}
func (NopNotifier) DocumentApproved(Document)                 {}
func (NopNotifier) DocumentRejected(Document, ApproverID, string) {
}
