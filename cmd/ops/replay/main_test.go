package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"strings"
	"testing"

	"repurpose/internal/billing"
)

type fakeReplayer struct {
	single    *billing.Result
	singleErr error
	batch     []*billing.Result
	batchErr  error
	skipped   map[string]error
	gotLimit  int
}

func (f *fakeReplayer) Replay(_ context.Context, eventID string) (*billing.Result, error) {
	if f.singleErr != nil {
		return nil, f.singleErr
	}
	return f.single, nil
}

func (f *fakeReplayer) ReplayFailed(_ context.Context, limit int, onError func(string, error)) ([]*billing.Result, error) {
	f.gotLimit = limit
	for id, err := range f.skipped {
		onError(id, err)
	}
	return f.batch, f.batchErr
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr string
	}{
		{"single event", []string{"--event=evt_1"}, options{eventID: "evt_1", limit: defaultLimit}, ""},
		{"all with limit", []string{"--all", "--limit=5"}, options{all: true, limit: 5}, ""},
		{"nothing selected", nil, options{}, "required"},
		{"both selected", []string{"--event=evt_1", "--all"}, options{}, "mutually exclusive"},
		{"bad limit", []string{"--all", "--limit=0"}, options{}, "positive"},
		{"unknown flag", []string{"--bogus"}, options{}, "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(newFlagSet(), tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("options = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRun_SingleEvent(t *testing.T) {
	tests := []struct {
		name       string
		result     *billing.Result
		wantFailed int
		wantOut    string
	}{
		{"recovered", &billing.Result{EventID: "evt_1", EventType: "customer.subscription.updated",
			Status: billing.ResultProcessed}, 0, "evt_1\tcustomer.subscription.updated\tprocessed"},
		{"still failing", &billing.Result{EventID: "evt_1", EventType: "customer.subscription.updated",
			Status: billing.ResultFailed, Err: billing.ErrUnknownPrice}, 1, "\tfailed\t"},
		{"already handled", &billing.Result{EventID: "evt_1", Status: billing.ResultDuplicate, Idempotent: true},
			0, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			failed, err := run(context.Background(), &fakeReplayer{single: tt.result},
				options{eventID: "evt_1", limit: defaultLimit}, &out)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if failed != tt.wantFailed {
				t.Errorf("failed = %d, want %d", failed, tt.wantFailed)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output %q does not contain %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestRun_SingleEventError(t *testing.T) {
	_, err := run(context.Background(), &fakeReplayer{singleErr: errors.New("not found")},
		options{eventID: "evt_missing", limit: defaultLimit}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "evt_missing") {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_All(t *testing.T) {
	fake := &fakeReplayer{
		batch: []*billing.Result{
			{EventID: "evt_1", EventType: "checkout.session.completed", Status: billing.ResultProcessed},
			{EventID: "evt_2", EventType: "customer.subscription.updated", Status: billing.ResultFailed,
				Err: billing.ErrUnknownPrice},
		},
		skipped: map[string]error{"evt_3": errors.New("event has no replayable payload")},
	}
	var out bytes.Buffer

	failed, err := run(context.Background(), fake, options{all: true, limit: 25}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.gotLimit != 25 {
		t.Errorf("limit = %d", fake.gotLimit)
	}
	if failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
	for _, want := range []string{"evt_1\t", "evt_2\t", "evt_3\terror\t", "replayed 2 events, 2 still failing"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRun_AllListError(t *testing.T) {
	_, err := run(context.Background(), &fakeReplayer{batchErr: errors.New("connection reset")},
		options{all: true, limit: 10}, io.Discard)
	if err == nil {
		t.Fatal("expected error")
	}
}
