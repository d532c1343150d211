package store

import (
	"path/filepath"
	"testing"
	"time"

	"eibdvis/internal/knx"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// lookup finds ga among the stored values.
func lookup(t *testing.T, s *BoltStore, ga knx.GroupAddress) (*GroupValue, bool) {
	t.Helper()
	list, err := s.ListValues()
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range list {
		if v.Address == ga {
			return v, true
		}
	}
	return nil, false
}

func TestSaveAndListValue(t *testing.T) {
	s := newTestStore(t)

	v := &GroupValue{
		Address:   knx.MustParseGroupAddress("1/0/1"),
		Source:    knx.IndividualAddress(0x1105),
		Command:   "write",
		Raw:       []byte{0x01},
		DPT:       knx.DPTSwitch,
		Value:     true,
		UpdatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveValue(v); err != nil {
		t.Fatal(err)
	}

	got, ok := lookup(t, s, v.Address)
	if !ok {
		t.Fatalf("%s not stored", v.Address)
	}
	if got.Source != v.Source {
		t.Errorf("source = %s, want %s", got.Source, v.Source)
	}
	if got.Value != true {
		t.Errorf("value = %v, want true", got.Value)
	}
	if got.DPT != knx.DPTSwitch {
		t.Errorf("dpt = %q", got.DPT)
	}
	if !got.UpdatedAt.Equal(v.UpdatedAt) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, v.UpdatedAt)
	}
}

func TestDeleteValue(t *testing.T) {
	s := newTestStore(t)

	ga := knx.MustParseGroupAddress("2/1/0")
	if err := s.SaveValue(&GroupValue{Address: ga, Raw: []byte{0x10}}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteValue(ga); err != nil {
		t.Fatal(err)
	}
	if _, ok := lookup(t, s, ga); ok {
		t.Fatal("value still stored after delete")
	}
	// Deleting a missing key is not an error.
	if err := s.DeleteValue(ga); err != nil {
		t.Fatal(err)
	}
}

func TestListValuesOrdered(t *testing.T) {
	s := newTestStore(t)

	for _, addr := range []string{"3/0/0", "1/0/1", "1/0/0", "0/7/200"} {
		if err := s.SaveValue(&GroupValue{Address: knx.MustParseGroupAddress(addr)}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListValues()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0/7/200", "1/0/0", "1/0/1", "3/0/0"}
	if len(list) != len(want) {
		t.Fatalf("list count = %d, want %d", len(list), len(want))
	}
	for i, v := range list {
		if v.Address.String() != want[i] {
			t.Errorf("list[%d] = %s, want %s", i, v.Address, want[i])
		}
	}
}

func TestValuesPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ga := knx.MustParseGroupAddress("1/2/3")
	if err := s.SaveValue(&GroupValue{Address: ga, Value: 21.5}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, ok := lookup(t, s, ga)
	if !ok {
		t.Fatal("value lost across reopen")
	}
	if got.Value != 21.5 {
		t.Errorf("value = %v, want 21.5", got.Value)
	}
}
