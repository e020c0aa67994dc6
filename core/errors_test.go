package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{KindRetryable, KindRateLimited, KindTimeout}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	fatal := []ErrorKind{KindFatalClient, KindFatalServer, KindAuthFailure}
	for _, k := range fatal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(NewProviderError(KindRateLimited, errors.New("429"))); got != KindRateLimited {
		t.Errorf("ClassifyError = %s, want RateLimited", got)
	}
	if got := ClassifyError(fmt.Errorf("wrapped: %w", NewProviderError(KindRetryable, errors.New("503")))); got != KindRetryable {
		t.Errorf("ClassifyError through wrap = %s, want Retryable", got)
	}
	if got := ClassifyError(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("ClassifyError(DeadlineExceeded) = %s, want Timeout", got)
	}
	if got := ClassifyError(errors.New("mystery")); got != KindFatalServer {
		t.Errorf("unclassified error = %s, want FatalServer", got)
	}
}

func TestPipelineErrorWrapping(t *testing.T) {
	err := NewPipelineError("router.Route", "NoAgentAvailable", "req-1", ErrNoAgentAvailable)
	if !errors.Is(err, ErrNoAgentAvailable) {
		t.Error("PipelineError should unwrap to its sentinel")
	}
	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatal("errors.As should find PipelineError")
	}
	if pe.RequestID != "req-1" || pe.Op != "router.Route" {
		t.Errorf("unexpected fields: %+v", pe)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsRetryable(NewProviderError(KindTimeout, errors.New("slow"))) {
		t.Error("timeout provider error should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
	if !IsTerminal(fmt.Errorf("op: %w", ErrCancelled)) {
		t.Error("cancellation is terminal")
	}
	if !IsRejection(fmt.Errorf("op: %w", ErrPolicyRejection)) {
		t.Error("policy rejection is a rejection")
	}
	if IsRejection(ErrBackendFatal) {
		t.Error("backend errors are not rejections")
	}
}
