package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNonFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "offline", err: ErrOffline, want: true},
		{name: "wrapped client unavailable", err: fmt.Errorf("sync order 1: %w", ErrClientUnavailable), want: true},
		{name: "remote error", err: &RemoteError{Method: "read", StatusCode: 500, Message: "boom"}, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNonFatal(tt.err); got != tt.want {
				t.Errorf("IsNonFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemoteErrorIs(t *testing.T) {
	err := fmt.Errorf("push: %w", &RemoteError{Method: "write", Message: "denied"})
	if !errors.Is(err, ErrRemote) {
		t.Fatal("RemoteError must match ErrRemote")
	}
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Method != "write" {
		t.Fatalf("errors.As failed: %v", err)
	}
	if got := (&RemoteError{Method: "m", StatusCode: 502, Message: "bad"}).Error(); got != "remote m: http 502: bad" {
		t.Fatalf("unexpected message %q", got)
	}
}
