package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/verte-zerg/rngviz/internal/capture"
	"github.com/verte-zerg/rngviz/internal/config"
	"github.com/verte-zerg/rngviz/internal/model"
	"github.com/verte-zerg/rngviz/internal/store"
)

func writeTestCapture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "run.csv")
	meta := model.SessionMeta{
		StartedAt:  time.Now().UTC(),
		Device:     "sim",
		WindowSize: 4,
		Thresholds: model.DefaultThresholds(),
	}
	w, err := capture.NewWriter(path, meta)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := 1; i <= 8; i++ {
		rec := model.CaptureRecord{Sample: model.RawSample{
			Seq:      uint64(i),
			WallTime: meta.StartedAt.Add(time.Duration(i) * time.Millisecond),
			Value:    0xA5,
		}}
		if err := w.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return path
}

func TestFinishSessionIndexesCleanStop(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := writeTestCapture(t, t.TempDir())

	if err := finishSession(nil, path, &sessionResult{gameUp: 2, gameDown: 1}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	st, err := store.Open(config.DefaultDBPath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	sessions, err := st.ListSessions(context.Background(), model.SessionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("indexed %d sessions, want 1", len(sessions))
	}
	if sessions[0].Bytes != 8 || sessions[0].GameUp != 2 || sessions[0].GameDown != 1 {
		t.Fatalf("unexpected summary: %+v", sessions[0])
	}
}

func TestFinishSessionSkipsIndexOnFatalStop(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := writeTestCapture(t, t.TempDir())

	stopErr := errors.New("device unreachable")
	err := finishSession(stopErr, path, nil)
	if !errors.Is(err, stopErr) {
		t.Fatalf("finish returned %v, want wrapped stop error", err)
	}
	// A run that died must not show up in the index as a completed session.
	if _, err := os.Stat(config.DefaultDBPath()); !os.IsNotExist(err) {
		t.Fatalf("session index written despite fatal stop (stat err: %v)", err)
	}
}
