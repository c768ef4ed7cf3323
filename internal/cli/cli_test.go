package cli

import (
	"strings"
	"testing"

	"github.com/kestrel-search/scripting/internal/cli/cliconfig"
)

func TestCommandsRegistered(t *testing.T) {
	cfg = cliconfig.Default()

	if rootCmd == nil {
		t.Fatal("rootCmd should not be nil")
	}

	expected := map[string]bool{
		"script":   false,
		"pipeline": false,
		"seed":     false,
		"profile":  false,
	}
	for _, cmd := range rootCmd.Commands() {
		name := strings.Fields(cmd.Use)[0]
		if _, ok := expected[name]; ok {
			expected[name] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected command '%s' to be registered with root command", name)
		}
	}
}

func TestScriptSubcommands(t *testing.T) {
	expected := map[string]bool{"put": false, "get": false, "rm": false, "ls": false, "exec": false}
	for _, cmd := range scriptCmd.Commands() {
		name := strings.Fields(cmd.Use)[0]
		if _, ok := expected[name]; ok {
			expected[name] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected 'script %s' subcommand", name)
		}
	}
}

func TestPipelineSubcommands(t *testing.T) {
	expected := map[string]bool{"put": false, "get": false, "rm": false, "ls": false, "simulate": false}
	for _, cmd := range pipelineCmd.Commands() {
		name := strings.Fields(cmd.Use)[0]
		if _, ok := expected[name]; ok {
			expected[name] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected 'pipeline %s' subcommand", name)
		}
	}
}

func TestPersistentFlags(t *testing.T) {
	for _, flag := range []string{"config", "profile", "server", "output"} {
		if rootCmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("expected persistent flag --%s", flag)
		}
	}
}
