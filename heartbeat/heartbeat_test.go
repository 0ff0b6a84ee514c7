package heartbeat

import (
	"strings"
	"testing"
	"time"

	aerrors "github.com/vinayprograms/activitykit/errors"
)

func TestNew(t *testing.T) {
	ts := time.Unix(1700000000, 500_000_000)
	hb := New("/src/main.go", ts)

	if hb.Entity != "/src/main.go" {
		t.Errorf("Entity = %q", hb.Entity)
	}
	if hb.Kind != KindFile {
		t.Errorf("Kind = %q, want file", hb.Kind)
	}
	if hb.Time != 1700000000.5 {
		t.Errorf("Time = %v, want 1700000000.5", hb.Time)
	}
	if got := hb.Timestamp(); !got.Equal(ts) {
		t.Errorf("Timestamp() = %v, want %v", got, ts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		hb      Heartbeat
		wantErr bool
	}{
		{"valid", Heartbeat{Entity: "a.go", Time: 1}, false},
		{"valid app", Heartbeat{Entity: "vscode", Kind: KindApp, Time: 1}, false},
		{"missing entity", Heartbeat{Time: 1}, true},
		{"missing time", Heartbeat{Entity: "a.go"}, true},
		{"unknown kind", Heartbeat{Entity: "a.go", Kind: "url", Time: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.hb.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !aerrors.Is(err, aerrors.ErrCodeInvalidInput) {
				t.Errorf("Validate() code = %q, want INVALID_INPUT", aerrors.Code(err))
			}
		})
	}
}

func TestClone(t *testing.T) {
	hb := Heartbeat{Entity: "a.ts", Time: 1, Dependencies: []string{"react"}}
	c := hb.Clone()
	c.Dependencies[0] = "vue"

	if hb.Dependencies[0] != "react" {
		t.Error("Clone shares the dependencies slice")
	}
}

func TestMarshal_WireNames(t *testing.T) {
	hb := Heartbeat{
		Entity:       "/src/app.ts",
		Kind:         KindFile,
		Category:     "coding",
		Time:         1700000000.25,
		Project:      "app",
		Branch:       "main",
		Language:     "typescript",
		Dependencies: []string{"react"},
		Significant:  true,
		Lines:        120,
		LineNo:       4,
		CursorPos:    7,
	}
	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	for _, want := range []string{
		`"entity":"/src/app.ts"`, `"type":"file"`, `"category":"coding"`,
		`"time":1700000000.25`, `"project":"app"`, `"branch":"main"`,
		`"language":"typescript"`, `"dependencies":["react"]`, `"is_write":true`,
		`"lines":120`, `"lineno":4`, `"cursorpos":7`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Marshal() = %s, missing %s", data, want)
		}
	}
}

func TestMarshal_OmitsUnknown(t *testing.T) {
	hb := Heartbeat{Entity: "a.go", Kind: KindFile, Time: 1}
	data, _ := hb.Marshal()

	for _, absent := range []string{"project", "branch", "language", "dependencies", "lineno", "cursorpos"} {
		if strings.Contains(string(data), absent) {
			t.Errorf("Marshal() = %s, should omit %s", data, absent)
		}
	}
}

func TestMarshalBatch_Empty(t *testing.T) {
	data, err := MarshalBatch(nil)
	if err != nil {
		t.Fatalf("MarshalBatch error: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("MarshalBatch(nil) = %s, want []", data)
	}

	hbs, err := UnmarshalBatch([]byte(`[{"entity":"a.go","type":"file","time":2,"is_write":false}]`))
	if err != nil {
		t.Fatalf("UnmarshalBatch error: %v", err)
	}
	if len(hbs) != 1 || hbs[0].Entity != "a.go" {
		t.Errorf("UnmarshalBatch = %+v", hbs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero", Config{}, false},
		{"negative size", Config{MaxBufferSize: -1}, true},
		{"negative interval", Config{FlushInterval: -time.Second}, true},
		{"ceiling below size", Config{MaxBufferSize: 10, BufferCeiling: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MaxBufferSize: 500}.withDefaults()

	if cfg.FlushInterval != 60*time.Second {
		t.Errorf("FlushInterval = %v, want 60s", cfg.FlushInterval)
	}
	if cfg.Category != "coding" {
		t.Errorf("Category = %q, want coding", cfg.Category)
	}
	if cfg.BufferCeiling < cfg.MaxBufferSize {
		t.Errorf("BufferCeiling = %d below MaxBufferSize %d", cfg.BufferCeiling, cfg.MaxBufferSize)
	}
}
