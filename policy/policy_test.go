package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jnesss/vmi-unpack/introspection"
	"github.com/jnesss/vmi-unpack/paging"
)

const sampleRule = `
title: Known packer sample
id: 8f14e45f-ceea-4b6d-8c3a-2fef0f4e1d7a
status: test
logsource:
  category: process_creation
detection:
  selection:
    Image|contains: 'badtool'
  condition: selection
`

func writeRule(t *testing.T, rulesDir, name, content string) {
	t.Helper()
	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0o755); err != nil {
		t.Fatalf("mkdir enabled_rules: %v", err)
	}
	if err := os.WriteFile(filepath.Join(enabledDir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write rule %s: %v", name, err)
	}
}

func TestVetoMatchesImageName(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "packer.yml", sampleRule)

	checker, err := NewChecker(dir, nil)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	defer checker.Close()

	mp := paging.NewMP(introspection.PID(42), 0, 0, 0, 0, `C:\Temp\badtool.exe`)
	veto, rule := checker.Veto(context.Background(), mp)
	if !veto {
		t.Fatal("expected veto for image name matching the loaded rule")
	}
	if rule != "Known packer sample" {
		t.Fatalf("rule = %q, want %q", rule, "Known packer sample")
	}
}

func TestVetoIgnoresNonMatchingImage(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "packer.yml", sampleRule)

	checker, err := NewChecker(dir, nil)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	defer checker.Close()

	mp := paging.NewMP(introspection.PID(43), 0, 0, 0, 0, `C:\Windows\notepad.exe`)
	veto, rule := checker.Veto(context.Background(), mp)
	if veto {
		t.Fatalf("unexpected veto for unrelated image, rule=%q", rule)
	}
}

func TestLoadRulesSkipsNonRuleFiles(t *testing.T) {
	dir := t.TempDir()
	enabledDir := filepath.Join(dir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(enabledDir, "README.txt"), []byte("not a rule"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}

	checker, err := NewChecker(dir, nil)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	defer checker.Close()

	mp := paging.NewMP(introspection.PID(1), 0, 0, 0, 0, "anything.exe")
	if veto, rule := checker.Veto(context.Background(), mp); veto {
		t.Fatalf("expected no veto with zero loaded rules, got rule=%q", rule)
	}
}

func TestReloadPicksUpNewRule(t *testing.T) {
	dir := t.TempDir()

	checker, err := NewChecker(dir, nil)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	defer checker.Close()

	mp := paging.NewMP(introspection.PID(2), 0, 0, 0, 0, `C:\Temp\badtool.exe`)
	if veto, _ := checker.Veto(context.Background(), mp); veto {
		t.Fatal("expected no veto before any rule is loaded")
	}

	writeRule(t, dir, "packer.yml", sampleRule)
	if err := checker.LoadRules(); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	if veto, _ := checker.Veto(context.Background(), mp); !veto {
		t.Fatal("expected veto after reloading the newly written rule")
	}
}
