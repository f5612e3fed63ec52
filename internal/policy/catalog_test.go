package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogDefaults(t *testing.T) {
	catalog, err := NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog error: %v", err)
	}

	if category, ok := catalog.IsApproved("nmap"); !ok || category != "reconnaissance" {
		t.Fatalf("nmap should be approved as reconnaissance, got %q %v", category, ok)
	}
	if _, ok := catalog.IsApproved("vim"); ok {
		t.Fatalf("vim should not be approved")
	}
	if !catalog.IsHighRisk("msfvenom") {
		t.Fatalf("msfvenom should be high risk")
	}
	if catalog.IsHighRisk("nmap") {
		t.Fatalf("nmap should not be high risk")
	}
	if catalog.ScratchDir() != DefaultScratchDir {
		t.Fatalf("unexpected scratch dir: %s", catalog.ScratchDir())
	}
}

func TestCatalogMatchesBreakout(t *testing.T) {
	catalog, err := NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog error: %v", err)
	}

	cases := []string{
		"curl --unix-socket /var/run/docker.sock http://localhost/containers/json",
		"nsenter -t 1 -m sh",
		"find / -perm -4000 2>/dev/null",
		"cat /sys/fs/cgroup/release_agent",
		"iptables -F",
	}
	for _, command := range cases {
		if catalog.MatchesBreakout(command) == "" {
			t.Fatalf("expected breakout match for %q", command)
		}
	}

	if match := catalog.MatchesBreakout("nmap -sS 172.30.0.5"); match != "" {
		t.Fatalf("unexpected breakout match: %s", match)
	}
}

func TestCatalogMatchesSuspicious(t *testing.T) {
	catalog, err := NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog error: %v", err)
	}

	matches := catalog.MatchesSuspicious("cat /etc/shadow")
	if len(matches) == 0 {
		t.Fatalf("expected suspicious match for shadow read")
	}
	if matches := catalog.MatchesSuspicious("ls -la"); len(matches) != 0 {
		t.Fatalf("unexpected suspicious matches: %v", matches)
	}
}

func TestLoadCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
categories:
  custom:
    - mytool
high_risk_tools:
  - mytool
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	catalog, err := LoadCatalog(path, "/scratch", "10.99.0.0/24")
	if err != nil {
		t.Fatalf("LoadCatalog error: %v", err)
	}

	if category, ok := catalog.IsApproved("mytool"); !ok || category != "custom" {
		t.Fatalf("override tool not approved: %q %v", category, ok)
	}
	if _, ok := catalog.IsApproved("nmap"); ok {
		t.Fatalf("overridden categories should replace the defaults")
	}
	if !catalog.IsHighRisk("mytool") {
		t.Fatalf("override high risk not applied")
	}
	if catalog.ScratchDir() != "/scratch" || catalog.TrainingSubnet() != "10.99.0.0/24" {
		t.Fatalf("scratch/subnet not applied: %s %s", catalog.ScratchDir(), catalog.TrainingSubnet())
	}

	// Sections left empty keep the compiled-in defaults.
	if catalog.MatchesBreakout("nsenter -t 1 -m sh") == "" {
		t.Fatalf("default breakout patterns should survive a partial override")
	}
}

func TestLoadCatalogRejectsBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "dangerous_patterns:\n  - '(['\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	if _, err := LoadCatalog(path, "", ""); err == nil {
		t.Fatalf("expected error for invalid regexp")
	}
}
