// Package retry classifies stage failures into the domain error taxonomy and
// drives the resume-from-last-checkpoint retry policy for documents moving
// through the pipeline.
package retry

import (
	"strings"

	"github.com/dealdocs/pipeline/engine/domain"
)

// Classify buckets err into a ClassifiedError using the same case-insensitive
// substring rules as the sibling analysis-service classifier, so a document
// that fails in either implementation is reported with the same kind,
// severity, and retryability.
func Classify(err error, stage domain.Stage, attempt int) *domain.ClassifiedError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "rate limit", "429", "too many requests"):
		return classified(domain.ErrorKindRateLimit, domain.SeverityRetryable, true, err, stage, attempt,
			"The service is temporarily rate limited. It will retry automatically.")

	case containsAny(msg, "neo4j", "graphiti", "graph database"):
		return classified(domain.ErrorKindGraphConnection, domain.SeverityRetryable, true, err, stage, attempt,
			"The knowledge graph is temporarily unavailable. It will retry automatically.")

	case containsAny(msg, "timeout", "network", "econnrefused", "socket"):
		return classified(domain.ErrorKindNetwork, domain.SeverityRetryable, true, err, stage, attempt,
			"A network error occurred. It will retry automatically.")

	case containsAny(msg, "503", "service unavailable", "overloaded"):
		return classified(domain.ErrorKindLLMService, domain.SeverityRetryable, true, err, stage, attempt,
			"The AI service is temporarily overloaded. It will retry automatically.")

	case strings.Contains(msg, "password") && containsAny(msg, "protect", "encrypt"):
		return classified(domain.ErrorKindParsingPasswordProtected, domain.SeverityUserActionRequired, false, err, stage, attempt,
			"This document is password protected. Please upload an unprotected copy.")

	case containsAny(msg, "corrupt", "malformed"):
		return classified(domain.ErrorKindParsingCorrupted, domain.SeverityUserActionRequired, false, err, stage, attempt,
			"This document appears to be corrupted. Please re-upload it.")

	case strings.Contains(msg, "unsupported") && containsAny(msg, "type", "format"):
		return classified(domain.ErrorKindParsingUnsupportedType, domain.SeverityUserActionRequired, false, err, stage, attempt,
			"This file type is not supported.")

	default:
		return classified(domain.ErrorKindUnknown, domain.SeverityRetryable, true, err, stage, attempt,
			"Something went wrong. Please try again.")
	}
}

func classified(kind domain.ErrorKind, sev domain.ErrorSeverity, retryable bool, err error, stage domain.Stage, attempt int, userMsg string) *domain.ClassifiedError {
	return &domain.ClassifiedError{
		Kind:      kind,
		Severity:  sev,
		Message:   userMsg,
		Stage:     stage,
		Attempt:   attempt,
		Retryable: retryable,
		Wrapped:   err,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
