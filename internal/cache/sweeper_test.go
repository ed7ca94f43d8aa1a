package cache

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSweeperSweepOnceLogs(t *testing.T) {
	store, clock := newTestStore(t)
	if _, err := store.Write(context.Background(), "old", []byte("x")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	clock.Advance(testTTL)

	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	deleted, err := NewSweeper(store, 0, logger).SweepOnce(context.Background(), "startup")
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if !strings.Contains(buf.String(), `"reason":"startup"`) {
		t.Fatalf("expected startup reason in log, got %s", buf.String())
	}
}

func TestSweeperRunSweepsOnInterval(t *testing.T) {
	store, clock := newTestStore(t)
	if _, err := store.Write(context.Background(), "old", []byte("x")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	clock.Advance(testTTL + time.Minute)

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(store, 10*time.Millisecond, logger).Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := store.Stats(context.Background())
		if err != nil {
			t.Fatalf("stats error: %v", err)
		}
		if stats.Entries == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not remove stale entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}

func TestSweeperRunWithoutIntervalReturns(t *testing.T) {
	store, _ := newTestStore(t)
	done := make(chan struct{})
	go func() {
		NewSweeper(store, 0, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run should return immediately when interval is disabled")
	}
}
