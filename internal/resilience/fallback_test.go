package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("nim", "nim", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("openai", "openai")
	return fg
}

// answer returns a fallback callback in which the backends named in failing
// return errTest and the rest echo their name.
func answer(calls *[]string, failing ...string) func(string) (string, error) {
	return func(v string) (string, error) {
		*calls = append(*calls, v)
		for _, f := range failing {
			if v == f {
				return "", errTest
			}
		}
		return "reply from " + v, nil
	}
}

func TestExecute_PrimaryAnswers(t *testing.T) {
	var calls []string
	got, err := Execute(newTestGroup(3), answer(&calls))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "reply from nim" {
		t.Errorf("got %q", got)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only the primary", calls)
	}
}

func TestExecute_FailsOverInOrder(t *testing.T) {
	var calls []string
	got, err := Execute(newTestGroup(3), answer(&calls, "nim"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "reply from openai" {
		t.Errorf("got %q", got)
	}
	if len(calls) != 2 || calls[0] != "nim" || calls[1] != "openai" {
		t.Errorf("calls = %v, want [nim openai]", calls)
	}
}

func TestExecute_AllFail(t *testing.T) {
	var calls []string
	_, err := Execute(newTestGroup(3), answer(&calls, "nim", "openai"))
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want the last backend error wrapped", err)
	}
}

func TestExecute_SkipsOpenBreaker(t *testing.T) {
	fg := newTestGroup(2)
	var calls []string
	for range 2 {
		_, _ = Execute(fg, answer(&calls, "nim"))
	}

	calls = nil
	got, err := Execute(fg, answer(&calls))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "reply from openai" || len(calls) != 1 {
		t.Errorf("got %q with calls %v, want openai only", got, calls)
	}
}

func TestExecute_CancellationDoesNotFailOver(t *testing.T) {
	fg := newTestGroup(1)

	var calls []string
	_, err := Execute(fg, func(v string) (string, error) {
		calls = append(calls, v)
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Fatal("cancellation must not be reported as ErrAllFailed")
	}
	if len(calls) != 1 || calls[0] != "nim" {
		t.Fatalf("calls = %v, want [nim]", calls)
	}
	if st := fg.Status()[0].State; st != StateClosed {
		t.Fatalf("primary state = %v, want closed", st)
	}
}

func TestFallbackGroup_StatusAndAvailable(t *testing.T) {
	fg := newTestGroup(1)
	if !fg.Available() {
		t.Fatal("fresh group should be available")
	}

	var calls []string
	_, _ = Execute(fg, answer(&calls, "nim", "openai"))

	status := fg.Status()
	if len(status) != 2 || status[0].Name != "nim" || status[1].Name != "openai" {
		t.Fatalf("status = %+v", status)
	}
	for _, st := range status {
		if st.State != StateOpen {
			t.Errorf("%s state = %v, want open", st.Name, st.State)
		}
	}
	if fg.Available() {
		t.Error("group with every breaker open should not be available")
	}
}

func TestFallbackGroup_BreakerNamesReachCallback(t *testing.T) {
	var opened []string
	fg := NewFallbackGroup("a", "nim", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
			OnStateChange: func(name string, _, to State) {
				if to == StateOpen {
					opened = append(opened, name)
				}
			},
		},
	})
	fg.AddFallback("groq", "b")

	_, _ = Execute(fg, func(string) (int, error) { return 0, errTest })

	if len(opened) != 2 || opened[0] != "nim" || opened[1] != "groq" {
		t.Errorf("opened = %v, want [nim groq]", opened)
	}
}
