// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case.
//   - Generic codes (bad_request, unauthorized, conflict) mirror HTTP status semantics.
//   - Domain codes (generation_in_progress, quota_exceeded, dispatch_failed) let
//     clients branch on pipeline conditions that share a status with generic errors.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "generation_in_progress",
//	  "message": "generation already in progress for this week"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidation       = "validation_failed"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeGenerationInProgress = "generation_in_progress"
	ErrCodeFeaturesNotEnabled   = "features_not_enabled"
	ErrCodeNoReadyMaterials     = "no_ready_materials"
	ErrCodeQuotaExceeded        = "quota_exceeded"
	ErrCodeDispatchFailed       = "dispatch_failed"
	ErrCodeInvalidSignature     = "invalid_signature"
)
