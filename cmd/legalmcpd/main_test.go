package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	got := out.String()
	if !strings.Contains(got, "legalmcpd") || !strings.Contains(got, "Version:") {
		t.Errorf("version output = %q, want binary name and version line", got)
	}
}

func TestRootCommandWiring(t *testing.T) {
	want := []string{"serve", "ingest-corpus", "catalog", "version"}
	for _, name := range want {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestIngestCorpusRequiresDir(t *testing.T) {
	rootCmd.SetArgs([]string{"ingest-corpus"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error when --dir is missing")
	}
}
