package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"transient wrapper", NewTransientError(errors.New("503"), 503), model.CategoryTransient},
		{"permanent wrapper", NewPermanentError(errors.New("404"), 404), model.CategoryPermanent},
		{"circuit open", ErrCircuitOpen, model.CategoryTransient},
		{"systemic skip", ErrSystemicFailure, model.CategoryTransient},
		{"deadline", context.DeadlineExceeded, model.CategoryTransient},
		{"canceled", context.Canceled, model.CategoryTransient},
		{"wrapped cancel", eris.Wrap(context.Canceled, "county: prefill"), model.CategoryTransient},
		{"conn reset", syscall.ECONNRESET, model.CategoryTransient},
		{"plain error", errors.New("boom"), model.CategoryUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: Classify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestIsTransientSeesThroughWrapping(t *testing.T) {
	inner := NewTransientError(errors.New("429"), 429)
	wrapped := eris.Wrap(inner, "mls: fetch listing")
	if !IsTransient(wrapped) {
		t.Fatal("wrapped transient error not detected")
	}

	wrappedOpen := eris.Wrap(ErrCircuitOpen, "county: prefill")
	if !IsTransient(wrappedOpen) {
		t.Fatal("wrapped ErrCircuitOpen not detected")
	}
}

func TestIsTransientStringHeuristics(t *testing.T) {
	if !IsTransient(errors.New("read tcp: connection reset by peer")) {
		t.Fatal("connection reset not detected")
	}
	if IsTransient(errors.New("invalid parcel id")) {
		t.Fatal("ordinary error misclassified as transient")
	}
}

func TestWrapHTTPStatus(t *testing.T) {
	base := errors.New("request failed")

	if err := WrapHTTPStatus(base, 503); Classify(err) != model.CategoryTransient {
		t.Fatal("503 should be transient")
	}
	if err := WrapHTTPStatus(base, 404); Classify(err) != model.CategoryPermanent {
		t.Fatal("404 should be permanent")
	}
	if err := WrapHTTPStatus(base, 418); Classify(err) != model.CategoryUnknown {
		t.Fatal("unrecognized status should stay unknown")
	}
	if WrapHTTPStatus(nil, 503) != nil {
		t.Fatal("nil error should stay nil")
	}
}

func TestHTTPStatusTables(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("%d should be transient", code)
		}
	}
	for _, code := range []int{400, 401, 403, 404, 405, 410, 422} {
		if !IsPermanentHTTPStatus(code) {
			t.Errorf("%d should be permanent", code)
		}
		if IsTransientHTTPStatus(code) {
			t.Errorf("%d classified both ways", code)
		}
	}
}
