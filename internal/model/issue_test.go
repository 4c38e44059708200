package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestStatus_CanTransitionTo は状態遷移グラフの全組み合わせを検証する。
func TestStatus_CanTransitionTo(t *testing.T) {
	allowed := map[Status]map[Status]bool{
		StatusOpen:       {StatusInProgress: true, StatusClosed: true},
		StatusInProgress: {StatusResolved: true, StatusOpen: true, StatusClosed: true},
		StatusResolved:   {StatusClosed: true, StatusInProgress: true},
		StatusClosed:     {},
	}

	for _, from := range Statuses() {
		for _, to := range Statuses() {
			got := from.CanTransitionTo(to)
			want := allowed[from][to]
			if got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatus_ClosedIsTerminal(t *testing.T) {
	if !StatusClosed.Terminal() {
		t.Error("CLOSED should be terminal")
	}
	if len(StatusClosed.NextStatuses()) != 0 {
		t.Errorf("CLOSED next statuses = %v, want none", StatusClosed.NextStatuses())
	}
	for _, s := range []Status{StatusOpen, StatusInProgress, StatusResolved} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatus_UnknownValue(t *testing.T) {
	unknown := Status("DONE")
	if unknown.Valid() {
		t.Error("DONE should not be a valid status")
	}
	if unknown.CanTransitionTo(StatusOpen) {
		t.Error("unknown status should have no transitions")
	}
	if unknown.Terminal() {
		t.Error("unknown status should not be reported as terminal")
	}
}

func TestStatus_NextStatusesReturnsCopy(t *testing.T) {
	next := StatusOpen.NextStatuses()
	next[0] = StatusClosed
	if StatusOpen.NextStatuses()[0] != StatusInProgress {
		t.Error("mutating NextStatuses result must not change the transition graph")
	}
}

func TestSeverity_Valid(t *testing.T) {
	for _, s := range Severities() {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Severity("medium").Valid() {
		t.Error("severity values are case-sensitive")
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleReporter, RoleMaintainer, RoleAdmin} {
		if !r.Valid() {
			t.Errorf("%s should be valid", r)
		}
	}
	if Role("GUEST").Valid() {
		t.Error("GUEST should not be valid")
	}
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now}
	if !s.Expired(now) {
		t.Error("session should be expired at ExpiresAt")
	}
	if s.Expired(now.Add(-time.Second)) {
		t.Error("session should be valid before ExpiresAt")
	}
}

// TestAPIError_Is はセンチネルとのコード比較を検証する。
func TestAPIError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewNotFoundError("issue", "x"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrConflict) {
		t.Error("NotFound must not match Conflict")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("expected errors.As to find APIError")
	}
	if apiErr.Code != ErrCodeNotFound {
		t.Errorf("Code = %q, want %q", apiErr.Code, ErrCodeNotFound)
	}
}

func TestAPIError_Retryable(t *testing.T) {
	if !NewConflictError("i").Retryable() {
		t.Error("conflict should be retryable")
	}
	others := []*APIError{
		NewValidationError("x"),
		NewInvalidCredentialsError(),
		NewUnauthenticatedError(),
		NewForbiddenError(),
		NewNotFoundError("issue", "x"),
		NewInvalidTransitionError(StatusClosed, StatusOpen),
	}
	for _, e := range others {
		if e.Retryable() {
			t.Errorf("%s should not be retryable", e.Code)
		}
	}
}

func TestNewForbiddenError_DoesNotLeakReason(t *testing.T) {
	if got := NewForbiddenError().Message; got != "Not permitted" {
		t.Errorf("Message = %q, want %q", got, "Not permitted")
	}
}
