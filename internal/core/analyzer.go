package core

import "context"

// AlwaysReopenAnalyzer is the default ReactivationAnalyzer: every inbound
// event against a terminal ticket is classified as a new requirement to
// reopen. The real classification logic (LLM-backed or otherwise) is an
// external collaborator's implementation of ReactivationAnalyzer, bound in
// its place at startup.
type AlwaysReopenAnalyzer struct{}

// Classify always returns ClassificationReopenWithNewRequirement.
func (AlwaysReopenAnalyzer) Classify(ctx context.Context, ticket *Ticket, eventPayload []byte) (ReactivationClassification, error) {
	return ClassificationReopenWithNewRequirement, nil
}

var _ ReactivationAnalyzer = AlwaysReopenAnalyzer{}
