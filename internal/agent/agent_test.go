package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onllm-dev/onpulse/internal/api"
	"github.com/onllm-dev/onpulse/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return j.err
}

type blockingJob struct {
	started chan struct{}
	ctxErr  atomic.Value
}

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Run(ctx context.Context) error {
	close(j.started)
	<-ctx.Done()
	j.ctxErr.Store(ctx.Err())
	return ctx.Err()
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := New(time.Second, discardLogger())
	job := &countingJob{}
	if err := s.AddJob("@every 1s", job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for job.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if job.runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := New(time.Second, discardLogger())
	if err := s.AddJob("not a schedule", &countingJob{}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestScheduler_RunNowSurvivesErrors(t *testing.T) {
	s := New(time.Second, discardLogger())
	job := &countingJob{err: errors.New("boom")}
	s.RunNow(job)
	s.RunNow(job)
	if got := job.runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestScheduler_JobTimeout(t *testing.T) {
	s := New(50*time.Millisecond, discardLogger())
	job := &blockingJob{started: make(chan struct{})}
	s.RunNow(job)
	if err, _ := job.ctxErr.Load().(error); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ctx err = %v, want DeadlineExceeded", err)
	}
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := New(time.Minute, discardLogger())
	job := &blockingJob{started: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		s.RunNow(job)
		close(done)
	}()
	<-job.started
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job not cancelled by Stop")
	}
	if err, _ := job.ctxErr.Load().(error); !errors.Is(err, context.Canceled) {
		t.Fatalf("ctx err = %v, want Canceled", err)
	}
}

type fakeRefresher struct {
	within    time.Duration
	refreshed bool
	err       error
}

func (f *fakeRefresher) RefreshIfExpiring(ctx context.Context, within time.Duration) (bool, error) {
	f.within = within
	return f.refreshed, f.err
}

func TestTokenKeeper(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"refreshed", nil, false},
		{"disconnected", api.ErrNoSession, false},
		{"no refresh token", api.ErrNoRefreshToken, false},
		{"refresh failed", api.ErrRefreshFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRefresher{refreshed: tt.err == nil, err: tt.err}
			k := NewTokenKeeper(f, 10*time.Minute, discardLogger())
			err := k.Run(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run = %v, wantErr %v", err, tt.wantErr)
			}
			if f.within != 10*time.Minute {
				t.Fatalf("within = %v, want 10m", f.within)
			}
		})
	}
}

func TestTokenKeeper_WithClient(t *testing.T) {
	// A client holding no token pair has nothing to refresh.
	client := api.NewOuraClient(api.OuraCredentials{ClientID: "id", ClientSecret: "secret"}, discardLogger())
	k := NewTokenKeeper(client, 10*time.Minute, discardLogger())
	if err := k.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestHousekeeper_RemovesExpired(t *testing.T) {
	s, err := store.New(":memory:", "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	s.SaveAuthToken("expired", "session", past)
	s.SaveAuthToken("live", "session", future)
	s.SaveTwoFactorCode("me@example.com", "h", past)
	s.SaveOAuthState("old", "me@example.com", past)

	h := NewHousekeeper(s, discardLogger())
	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tok, _ := s.GetAuthToken("expired"); tok != nil {
		t.Error("expired token survived")
	}
	if tok, _ := s.GetAuthToken("live"); tok == nil {
		t.Error("live token removed")
	}
	if code, _ := s.GetTwoFactorCode("me@example.com"); code != nil {
		t.Error("expired code survived")
	}
	if _, _, found, _ := s.ConsumeOAuthState("old"); found {
		t.Error("expired state survived")
	}
}

type failingCleaner struct{ calls int }

func (f *failingCleaner) CleanExpiredAuthTokens() (int64, error) {
	f.calls++
	return 0, errors.New("locked")
}
func (f *failingCleaner) CleanExpiredTwoFactorCodes() (int64, error) { f.calls++; return 1, nil }
func (f *failingCleaner) CleanExpiredOAuthStates() (int64, error)    { f.calls++; return 0, nil }

func TestHousekeeper_ContinuesAfterFailure(t *testing.T) {
	f := &failingCleaner{}
	err := NewHousekeeper(f, discardLogger()).Run(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d, want 3", f.calls)
	}
}
