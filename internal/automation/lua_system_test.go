//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine() *Engine {
	return &Engine{logger: testLogger()}
}

func TestSystemDatetimeReturnsNumber(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	numberComponents := []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"}
	for _, comp := range numberComponents {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		result := L.GetGlobal("_result")
		if result.Type() != lua.LTNumber {
			t.Errorf("system.datetime(%q) type = %v, want LTNumber", comp, result.Type())
		}
	}
}

func TestSystemDatetimeReturnsString(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	stringComponents := []string{"time_str", "date_str"}
	for _, comp := range stringComponents {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		result := L.GetGlobal("_result")
		if result.Type() != lua.LTString {
			t.Errorf("system.datetime(%q) type = %v, want LTString", comp, result.Type())
		}
	}
}

func TestSystemDatetimeHourRange(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	if err := L.DoString(`_hour = system.datetime("hour")`); err != nil {
		t.Fatal(err)
	}
	hour := int(L.GetGlobal("_hour").(lua.LNumber))
	if hour < 0 || hour > 23 {
		t.Errorf("hour = %d, want 0-23", hour)
	}
}

func TestSystemTimeBetweenNormalRange(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	hour := time.Now().Hour()

	// Test a range that includes the current hour
	from := hour
	to := hour + 1
	if to > 23 {
		to = 0
	}

	L.SetGlobal("_from", lua.LNumber(from))
	L.SetGlobal("_to", lua.LNumber(to))
	if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
		t.Fatal(err)
	}
	result := L.GetGlobal("_result")
	if result != lua.LTrue {
		t.Errorf("time_between(%d, %d) at hour %d = false, want true", from, to, hour)
	}
}

func TestSystemTimeBetweenMidnightWrap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	hour := time.Now().Hour()

	// Create a midnight-wrapping range that includes the current hour
	// If hour is 14, use range 10-4 (which wraps: 10,11,...23,0,1,2,3)
	from := hour - 4
	if from < 0 {
		from += 24
	}
	to := hour - 8
	if to < 0 {
		to += 24
	}
	// This makes from > to (midnight wrap), and current hour is within range

	L.SetGlobal("_from", lua.LNumber(from))
	L.SetGlobal("_to", lua.LNumber(to))
	if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
		t.Fatal(err)
	}
	result := L.GetGlobal("_result")
	if result != lua.LTrue {
		t.Errorf("time_between(%d, %d) at hour %d = false, want true (midnight wrap)", from, to, hour)
	}
}

func TestSystemTimeBetweenOutsideRange(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	hour := time.Now().Hour()

	// Create a normal range that does NOT include the current hour
	from := hour + 2
	if from > 23 {
		from -= 24
	}
	to := hour + 4
	if to > 23 {
		to -= 24
	}
	// Ensure normal range (from < to)
	if from > to {
		from, to = to, from
	}
	// Make sure current hour is outside [from, to)
	if hour >= from && hour < to {
		// Shift both
		from = hour + 3
		if from > 23 {
			from -= 24
		}
		to = hour + 5
		if to > 23 {
			to -= 24
		}
		if from > to {
			from, to = to, from
		}
	}

	L.SetGlobal("_from", lua.LNumber(from))
	L.SetGlobal("_to", lua.LNumber(to))
	if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
		t.Fatal(err)
	}
	result := L.GetGlobal("_result")
	if result != lua.LFalse {
		t.Errorf("time_between(%d, %d) at hour %d = true, want false", from, to, hour)
	}
}

func TestSystemTimeBetweenClockStrings(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())

	if err := L.DoString(`_result = system.time_between("00:00", "24:00")`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_result") != lua.LTrue {
		t.Error("whole-day window should always match")
	}
	if err := L.DoString(`system.time_between("25:00", 3)`); err == nil {
		t.Error("expected error for 25:00")
	}
	if err := L.DoString(`system.time_between({}, 3)`); err == nil {
		t.Error("expected error for table argument")
	}
}

func TestInWindow(t *testing.T) {
	tests := []struct {
		now, from, to int
		want          bool
	}{
		{8 * 60, 7 * 60, 22 * 60, true},
		{22 * 60, 7 * 60, 22 * 60, false},
		{23*60 + 30, 22 * 60, 6 * 60, true},
		{5*60 + 59, 22 * 60, 6 * 60, true},
		{12 * 60, 22 * 60, 6 * 60, false},
		{7*60 + 15, 7*60 + 30, 8 * 60, false},
	}
	for _, tt := range tests {
		if got := inWindow(tt.now, tt.from, tt.to); got != tt.want {
			t.Errorf("inWindow(%d, %d, %d) = %v, want %v", tt.now, tt.from, tt.to, got, tt.want)
		}
	}
}
