package main

import "testing"

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "config", "users", "doctor", "version"} {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestUsersHasSubcommands(t *testing.T) {
	users := newUsersCmd()
	for _, name := range []string{"list", "add", "passwd", "role", "block", "delete"} {
		found := false
		for _, cmd := range users.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected users command to include %s", name)
		}
	}
}
