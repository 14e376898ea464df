package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/seantiz/isolane/internal/model"
)

func TestParsePairs(t *testing.T) {
	got, err := parsePairs("sysprop", []string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatalf("parsePairs: %v", err)
	}
	want := map[string]string{"a": "1", "b": "x=y", "c": ""}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=1"} {
		if _, err := parsePairs("env", []string{bad}); err == nil {
			t.Errorf("parsePairs(%q): expected error", bad)
		}
	}

	if m, err := parsePairs("env", nil); err != nil || m != nil {
		t.Errorf("parsePairs(nil) = %v, %v; want nil, nil", m, err)
	}
}

func TestReaperInterval(t *testing.T) {
	tests := []struct {
		idle time.Duration
		want time.Duration
	}{
		{5 * time.Minute, 75 * time.Second},
		{2 * time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := reaperInterval(tt.idle); got != tt.want {
			t.Errorf("reaperInterval(%s) = %s, want %s", tt.idle, got, tt.want)
		}
	}
}

func TestRunCommandPrintsRun(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--name", "greet", "--params", `{"msg":"hi"}`, "echo"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var r model.Run
	if err := json.Unmarshal(out.Bytes(), &r); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if r.Result != model.StateSucceeded {
		t.Errorf("result = %q, want succeeded", r.Result)
	}
	if r.Strategy != model.StrategyInline {
		t.Errorf("strategy = %q, want inline", r.Strategy)
	}
	if r.DisplayName != "greet" {
		t.Errorf("display_name = %q, want greet", r.DisplayName)
	}
	if string(r.Output) != `{"msg":"hi"}` {
		t.Errorf("output = %q", r.Output)
	}
}
