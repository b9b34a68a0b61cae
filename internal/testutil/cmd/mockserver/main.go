// Command mockserver runs a standalone mock Oura API for local development
// and browser tests. Point onPulse at it with:
//
//	OURA_API_BASE_URL=http://localhost:19212
//	OURA_AUTHORIZE_URL=http://localhost:19212/oauth/authorize
//	OURA_TOKEN_URL=http://localhost:19212/oauth/token
//
// The authorization page approves immediately. Collections are seeded with
// the trailing weeks of typical data and can be swapped at runtime through
// POST /admin/collection and POST /admin/error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onllm-dev/onpulse/internal/testutil"
)

func main() {
	port := flag.Int("port", 19212, "HTTP port for the mock server")
	weeks := flag.Int("weeks", 13, "weeks of data to seed, ending today")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mock := testutil.NewOuraMock(seed(*weeks)...)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           mock.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("mock oura server listening", "addr", "http://localhost"+srv.Addr, "weeks", *weeks)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// seed builds options serving the given number of weeks ending today.
func seed(weeks int) []testutil.MockOption {
	if weeks < 1 {
		weeks = 1
	}
	start := time.Now().AddDate(0, 0, -(weeks*7 - 1))

	var all testutil.Week
	var heart []testutil.Doc
	for i := range weeks {
		w := testutil.TypicalWeek(start.AddDate(0, 0, i*7).Format("2006-01-02"))
		all.Readiness = append(all.Readiness, w.Readiness...)
		all.Activity = append(all.Activity, w.Activity...)
		all.Sleep = append(all.Sleep, w.Sleep...)
	}
	now := time.Now().Truncate(5 * time.Minute)
	for i := range 288 {
		heart = append(heart, testutil.HeartRateSample(now.Add(-time.Duration(i)*5*time.Minute), 55+i%30))
	}

	return []testutil.MockOption{
		testutil.WithWeek(all),
		testutil.WithCollection(testutil.PathHeartRate, testutil.Collection(heart...)),
	}
}
