//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

package runner

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/datapilot-ai/datapilot/dataagent"
)

// validateResumePayload checks a resume payload against the pending
// interrupt kind and returns the typed resume value. Mismatched payloads
// are rejected here, before any state is touched.
func validateResumePayload(kind string, payload []byte) (any, error) {
	switch kind {
	case dataagent.InterruptKindPlanApproval:
		return validatePlanReview(payload)
	case dataagent.InterruptKindToolApproval:
		return validateToolReview(payload)
	default:
		return nil, fmt.Errorf("%w: unknown interrupt kind %q", ErrInterruptMismatch, kind)
	}
}

func validatePlanReview(payload []byte) (dataagent.PlanReview, error) {
	var review dataagent.PlanReview
	if err := strictDecode(payload, &review); err != nil {
		return review, fmt.Errorf("%w: %v", ErrInterruptMismatch, err)
	}
	switch review.ReviewAction {
	case dataagent.ReviewAccept, dataagent.ReviewFeedback, dataagent.ReviewCancel:
		return review, nil
	default:
		return review, fmt.Errorf("%w: review_action %q", ErrInterruptMismatch, review.ReviewAction)
	}
}

func validateToolReview(payload []byte) (dataagent.ToolReview, error) {
	var review dataagent.ToolReview
	if err := strictDecode(payload, &review); err != nil {
		return review, fmt.Errorf("%w: %v", ErrInterruptMismatch, err)
	}
	switch review.Type {
	case dataagent.ToolReviewAccept, dataagent.ToolReviewIgnore:
		return review, nil
	case dataagent.ToolReviewEdit:
		if !json.Valid(review.Args) {
			return review, fmt.Errorf("%w: edit requires JSON args", ErrInterruptMismatch)
		}
		return review, nil
	default:
		return review, fmt.Errorf("%w: type %q", ErrInterruptMismatch, review.Type)
	}
}

// strictDecode rejects unknown fields, so a tool payload can never pass as
// a plan review and vice versa.
func strictDecode(payload []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
