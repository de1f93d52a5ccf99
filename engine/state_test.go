package engine

import (
	"net/http"
	"testing"
	"time"

	"boardsync/domain"
)

func TestReconnectPolicyDoublesDelay(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		got, ok := p.Delay(i + 1)
		if !ok {
			t.Fatalf("attempt %d refused", i+1)
		}
		if got != w {
			t.Fatalf("attempt %d delay %v, want %v", i+1, got, w)
		}
	}
}

func TestReconnectPolicyCapsAtMaxDelay(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 10}

	got, ok := p.Delay(6)
	if !ok || got != 5*time.Second {
		t.Fatalf("delay %v ok=%v", got, ok)
	}
}

func TestReconnectPolicyExhaustsCeiling(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Second, MaxAttempts: 3}

	if _, ok := p.Delay(3); !ok {
		t.Fatal("attempt 3 should be allowed")
	}
	if _, ok := p.Delay(4); ok {
		t.Fatal("attempt 4 should be refused")
	}
}

func TestReconnectPolicyZeroValueDefaults(t *testing.T) {
	var p ReconnectPolicy

	got, ok := p.Delay(1)
	if !ok || got != time.Second {
		t.Fatalf("delay %v ok=%v", got, ok)
	}
	if _, ok := p.Delay(9); ok {
		t.Fatal("default ceiling should be 8 attempts")
	}
}

func TestReconnectPolicyJitterStaysInBounds(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 8, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		got, ok := p.Delay(2)
		if !ok {
			t.Fatal("attempt refused")
		}
		if got < 1600*time.Millisecond || got > 2400*time.Millisecond {
			t.Fatalf("jittered delay %v out of bounds", got)
		}
	}
}

func TestConnStateStrings(t *testing.T) {
	cases := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateGaveUp:       "gave-up",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestClassifyStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusNotFound, KindConflict},
		{http.StatusConflict, KindConflict},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status, nil).Kind; got != tc.want {
			t.Fatalf("status %d classified %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestClassifyStatusKeepsEnvelopeDetails(t *testing.T) {
	e := classifyStatus(http.StatusBadRequest, &domain.ErrorBody{Code: "validation", Message: "bad position"})
	if e.Code != "validation" || e.Message != "bad position" {
		t.Fatalf("got %+v", e)
	}
}

func TestOnlyServerErrorsAreRetryable(t *testing.T) {
	for kind, want := range map[Kind]bool{
		KindTransport:  false,
		KindAuth:       false,
		KindValidation: false,
		KindConflict:   false,
		KindServer:     true,
	} {
		if got := retryable(&Error{Kind: kind}); got != want {
			t.Fatalf("retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}
