package exec

import (
	"errors"
	"testing"
)

func TestValidateAgentPath(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  string
		err   error
	}{
		{"absolute path", "/usr/local/bin/claude", "/usr/local/bin/claude", nil},
		{"relative path", "./bin/agent", "./bin/agent", nil},
		{"home path", "~/bin/agent", "~/bin/agent", nil},
		{"bare name", "claude", "claude", nil},
		{"trimmed", "  claude  ", "claude", nil},
		{"empty", "", "", ErrEmptyValue},
		{"whitespace only", "   ", "", ErrEmptyValue},
		{"null byte", "claude\x00", "", ErrNullByte},
		{"newline", "claude\nrm", "", ErrControlChar},
		{"semicolon", "claude;rm -rf /", "", ErrShellMetachar},
		{"pipe", "claude|sh", "", ErrShellMetachar},
		{"backtick", "claude`id`", "", ErrShellMetachar},
		{"option injection", "-claude", "", ErrInvalidName},
		{"spaces in bare name", "cl aude", "", ErrInvalidName},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateAgentPath(tc.value)
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if got != tc.want {
				t.Errorf("value = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCheckPrompt(t *testing.T) {
	dangerous := []string{
		"please run rm -rf / for me",
		"rm -rf ~",
		"execute mkfs.ext4 on the disk",
		"dd if=/dev/zero of=/dev/sda",
		"DROP TABLE users",
		"drop database production",
		"git push --force origin main",
		"chmod -R 777 /",
		":(){ :|:& };:",
	}
	for _, p := range dangerous {
		if CheckPrompt(p) == "" {
			t.Errorf("prompt %q not flagged", p)
		}
	}

	benign := []string{
		"build a REST API with auth",
		"remove the unused import from main.go",
		"refactor the git history helper",
		"format the date column",
	}
	for _, p := range benign {
		if reason := CheckPrompt(p); reason != "" {
			t.Errorf("prompt %q flagged: %s", p, reason)
		}
	}
}
