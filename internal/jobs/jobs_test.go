package jobs

import (
	"errors"
	"testing"

	"github.com/EnvZilla/envzilla/internal/executor"
	"github.com/EnvZilla/envzilla/internal/queue"
)

func TestClassifyRetryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		noRetry bool
	}{
		{"nil", nil, false},
		{"decrypt error", &executor.Error{Kind: executor.KindDecryptError, Err: errors.New("bad envelope")}, true},
		{"invalid container id", &executor.Error{Kind: executor.KindInvalidContainerID, Err: errors.New("bad id")}, true},
		{"clone failure retries", &executor.Error{Kind: executor.KindCloneFailed, Err: errors.New("network")}, false},
		{"build failure retries", &executor.Error{Kind: executor.KindBuildFailed, Err: errors.New("exit 1")}, false},
		{"plain error retries", errors.New("something"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			var nre *queue.NonRetryableError
			isNoRetry := errors.As(got, &nre)
			if isNoRetry != tt.noRetry {
				t.Fatalf("noRetry=%v, want %v (err %v)", isNoRetry, tt.noRetry, got)
			}
			if tt.err != nil && !errors.Is(got, tt.err) {
				t.Fatalf("original error lost: %v", got)
			}
		})
	}
}
