package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit_OffProducesNoOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelOff)
	SetOutput(&buf)
	t.Cleanup(func() { Init(LevelOff) })

	Info("hello %d", 1)
	Error(errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got %q", buf.String())
	}
	if IsEnabled(LevelInfo) {
		t.Error("IsEnabled(LevelInfo) should be false when off")
	}
}

func TestInfo_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo)
	SetOutput(&buf)
	t.Cleanup(func() { Init(LevelOff) })

	Info("course %s started", "demo")
	Verbose("should not appear")
	if !strings.Contains(buf.String(), "course demo started") {
		t.Errorf("missing info line in %q", buf.String())
	}
	if strings.Contains(buf.String(), "should not appear") {
		t.Errorf("verbose line leaked at info level: %q", buf.String())
	}
}

func TestLevels_GateByLevel(t *testing.T) {
	Init(LevelVerbose)
	core, logs := observer.New(zapcore.DebugLevel)
	SetCore(core)
	t.Cleanup(func() { Init(LevelOff) })

	Live("pulse")
	Verbose("target=%d", 405)
	Trace("encoder read")
	GPIO("WritePin", 17, true)

	if got := logs.Len(); got != 2 {
		t.Fatalf("expected 2 entries (live + verbose), got %d", got)
	}
	if msg := logs.All()[1].Message; msg != "[VERBOSE] target=405" {
		t.Errorf("unexpected verbose message %q", msg)
	}
}

func TestWarn_RecordsWarnLevel(t *testing.T) {
	Init(LevelInfo)
	core, logs := observer.New(zapcore.InfoLevel)
	SetCore(core)
	t.Cleanup(func() { Init(LevelOff) })

	Warn("sensor %s", "not visible")
	entries := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(entries) != 1 || entries[0].Message != "sensor not visible" {
		t.Errorf("unexpected warn entries: %+v", entries)
	}
}
