package cmd

import "testing"

func TestCommandsRegistered(t *testing.T) {
	want := []string{"launch", "sweep", "status", "cancel", "run", "reclaim", "refresh", "agent"}

	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("Expected %q to be registered", name)
		}
	}
}

func TestPersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "ssm-path", "regions", "instance-type", "key-name", "on-demand-price", "log-level"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("Expected persistent flag --%s", name)
		}
	}
}
