package domain

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNormalizeQuery(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "", want: ""},
		{raw: "   ", want: ""},
		{raw: "\t\n", want: ""},
		{raw: "Rick", want: "Rick"},
		{raw: "  Rick  ", want: "Rick"},
		{raw: "Rick   Sanchez", want: "Rick Sanchez"},
		{raw: " Rick\tSanchez\n", want: "Rick Sanchez"},
		// decomposed "é" (e + combining acute) folds into the precomposed form.
		{raw: "Pe\u0301rez", want: "P\u00e9rez"},
	}
	for _, tc := range cases {
		if got := NormalizeQuery(tc.raw); got != tc.want {
			t.Fatalf("NormalizeQuery(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeQueryKeepsCase(t *testing.T) {
	if NormalizeQuery("rick") == NormalizeQuery("Rick") {
		t.Fatal("expected case to be preserved in normalized query")
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	err := error(&FetchError{Query: "Rick", Cause: io.ErrUnexpectedEOF})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("expected FetchError to unwrap to its cause")
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Query != "Rick" {
		t.Fatalf("unexpected errors.As result: %#v", fetchErr)
	}
}

func TestFetchErrorMessageIncludesStatus(t *testing.T) {
	err := &FetchError{Query: "Rick", Status: 503, Cause: errors.New("unavailable")}
	if !strings.Contains(err.Error(), "HTTP 503") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestCloneCharactersPreservesEmptiness(t *testing.T) {
	if CloneCharacters(nil) != nil {
		t.Fatal("expected nil clone for nil input")
	}
	empty := CloneCharacters([]Character{})
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil clone, got %#v", empty)
	}

	src := []Character{{ID: "1", Name: "Rick Sanchez"}}
	cloned := CloneCharacters(src)
	cloned[0].Name = "Mutated"
	if src[0].Name != "Rick Sanchez" {
		t.Fatal("clone shares backing array with source")
	}
}

func TestSuccessStateNeverNilResults(t *testing.T) {
	state := SuccessState("Zzzznotfound", nil, false)
	if state.Results == nil {
		t.Fatal("expected non-nil results for success")
	}
	if !state.NoResults() {
		t.Fatal("expected NoResults for empty success")
	}
	if IdleState().NoResults() {
		t.Fatal("idle must not report NoResults")
	}
}

func TestFailureStateUsesGenericMessage(t *testing.T) {
	state := FailureState("Rick")
	if state.Status != SearchStatusFailure || state.Error != FailureMessage {
		t.Fatalf("unexpected failure state: %+v", state)
	}
}
