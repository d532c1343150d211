//go:build !no_automation

package automation

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:        "Hall Light",
			Description: "Follow the door contact",
			Enabled:     true,
		},
		LuaCode: `knx.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "hall_light" {
		t.Errorf("id = %q, want hall_light", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Hall Light" || got.Meta.Description != "Follow the door contact" || !got.Meta.Enabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.LuaCode != "knx.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		ID:      "my_script",
		Meta:    ScriptMeta{Name: "My Script", Enabled: true},
		LuaCode: `knx.log("v1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	saved.LuaCode = `knx.log("v2")`
	saved.Meta.Enabled = false
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `knx.log("v2")`) || got.Meta.Enabled {
		t.Errorf("after update = %+v", got)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}, LuaCode: `knx.log("` + name + `")`}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerGetInvalid(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"nonexistent", "../etc/passwd", ""} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) succeeded, want error", id)
		}
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Gone"}, LuaCode: `knx.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); err == nil {
		t.Error("script still readable after Delete")
	}
	if err := m.Delete(saved.ID); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second Delete err = %v, want fs.ErrNotExist", err)
	}
	if err := m.Delete("../escape"); err == nil {
		t.Error("Delete accepted a path outside the scripts dir")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `knx.log("1")`})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `knx.log("2")`})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
	if s2.ID != "dup_1" {
		t.Errorf("second id = %q, want dup_1", s2.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Bathroom Fan","description":"Run the fan while the light is on","enabled":true}

knx.on("1/0/1", function(event)
    knx.write("2/0/1", event.value)
end)
`
	path := filepath.Join(dir, "bathroom.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "bathroom" || s.Meta.Name != "Bathroom Fan" || !s.Meta.Enabled {
		t.Errorf("script = %+v", s)
	}
	if !strings.HasPrefix(s.LuaCode, `knx.on("1/0/1"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptFileWithoutMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.lua")
	if err := os.WriteFile(path, []byte("-- just a comment\nknx.log(\"x\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, "-- just a comment") {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `knx.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nknx.log(\"hi\")\n"
	if content != want {
		t.Errorf("serializeScript = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
