package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/pingstream/check"
)

func target(url string) check.Target {
	return check.Target{ID: "t1", URL: url}
}

func TestHTTPChecker_Classification(t *testing.T) {
	tests := []struct {
		name string
		code int
		want check.Outcome
	}{
		{"200 ok", http.StatusOK, check.Success},
		{"204 no content", http.StatusNoContent, check.Success},
		{"304 not modified", http.StatusNotModified, check.Success},
		{"404 not found", http.StatusNotFound, check.Failure},
		{"500 internal error", http.StatusInternalServerError, check.Failure},
		{"503 unavailable", http.StatusServiceUnavailable, check.Failure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			chk := NewHTTPChecker(2 * time.Second)
			defer chk.Close()

			got := chk.Check(context.Background(), target(server.URL))
			if got.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v (result %+v)", got.Outcome, tt.want, got)
			}
			if got.StatusCode != tt.code {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.code)
			}
			if got.TargetID != "t1" || got.URL != server.URL {
				t.Errorf("result not attributed to target: %+v", got)
			}
			if got.Timestamp.IsZero() {
				t.Error("Timestamp is zero")
			}
		})
	}
}

func TestHTTPChecker_TimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	chk := NewHTTPChecker(50 * time.Millisecond)
	got := chk.Check(context.Background(), target(server.URL))

	if got.Outcome != check.Failure {
		t.Fatalf("Outcome = %v, want Failure", got.Outcome)
	}
	if got.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 on transport error", got.StatusCode)
	}
	if got.Error == "" {
		t.Error("Error is empty, want timeout description")
	}
}

func TestHTTPChecker_UnreachableIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	got := NewHTTPChecker(time.Second).Check(context.Background(), target(url))
	if got.Outcome != check.Failure {
		t.Errorf("Outcome = %v, want Failure", got.Outcome)
	}
}

func TestHTTPChecker_MalformedURLIsFailure(t *testing.T) {
	got := NewHTTPChecker(time.Second).Check(context.Background(), target("://not a url"))
	if got.Outcome != check.Failure {
		t.Errorf("Outcome = %v, want Failure", got.Outcome)
	}
	if !strings.Contains(got.Error, "invalid request") {
		t.Errorf("Error = %q, want invalid request description", got.Error)
	}
}

func TestHTTPChecker_CancelledContextIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := NewHTTPChecker(time.Second).Check(ctx, target(server.URL))
	if got.Outcome != check.Failure {
		t.Errorf("Outcome = %v, want Failure", got.Outcome)
	}
}

// TestHTTPChecker_ConnectionReuse verifies that bodies are drained so pooled
// connections are reused between checks.
func TestHTTPChecker_ConnectionReuse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer server.Close()

	chk := NewHTTPChecker(5 * time.Second)
	var reused int
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				reused++
			}
		},
	}

	const n = 5
	for i := 0; i < n; i++ {
		ctx := httptrace.WithClientTrace(context.Background(), trace)
		if got := chk.Check(ctx, target(server.URL)); got.Outcome != check.Success {
			t.Fatalf("check %d failed: %+v", i, got)
		}
	}
	if reused < n-2 {
		t.Errorf("reused connections = %d, want at least %d", reused, n-2)
	}
}

func TestHTTPChecker_DefaultTimeout(t *testing.T) {
	if got := NewHTTPChecker(0).Timeout(); got != DefaultTimeout {
		t.Errorf("Timeout() = %v, want %v", got, DefaultTimeout)
	}
}

func TestHTTPChecker_CloseNil(t *testing.T) {
	var c *HTTPChecker
	c.Close()
	NewHTTPChecker(time.Second).Close()
}

func TestClassify(t *testing.T) {
	for code, want := range map[int]check.Outcome{
		0:   check.Failure,
		199: check.Failure,
		200: check.Success,
		302: check.Success,
		399: check.Success,
		400: check.Failure,
	} {
		if got := Classify(code); got != want {
			t.Errorf("Classify(%d) = %v, want %v", code, got, want)
		}
	}
}
