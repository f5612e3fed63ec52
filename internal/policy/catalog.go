// Package policy holds the static security policy for command execution:
// the approved tool catalog, dangerous token/pattern lists, and the pure
// validation function applied to every command before it reaches a sandbox.
package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Catalog is the immutable policy data. It is built once at startup from
// compiled-in defaults, optionally overridden from a YAML file, and only
// exposes query methods afterwards.
type Catalog struct {
	toolCategory       map[string]string
	dangerousTokens    []string
	dangerousPatterns  []*regexp.Regexp
	safeParams         map[string][]*regexp.Regexp
	breakoutPatterns   []*regexp.Regexp
	suspiciousPatterns []*regexp.Regexp
	highRiskTools      map[string]bool

	scratchDir     string
	trainingSubnet string
}

// CatalogFile is the YAML override format. Any section left empty keeps
// the compiled-in default for that section.
type CatalogFile struct {
	Categories         map[string][]string `yaml:"categories"`
	DangerousTokens    []string            `yaml:"dangerous_tokens"`
	DangerousPatterns  []string            `yaml:"dangerous_patterns"`
	SafeParams         map[string][]string `yaml:"safe_params"`
	BreakoutPatterns   []string            `yaml:"breakout_patterns"`
	SuspiciousPatterns []string            `yaml:"suspicious_patterns"`
	HighRiskTools      []string            `yaml:"high_risk_tools"`
}

var defaultCategories = map[string][]string{
	"reconnaissance": {
		"nmap", "masscan", "dnsenum", "dnsrecon", "dig", "nslookup", "whois",
		"ping", "traceroute", "netdiscover", "arp-scan", "fierce", "theharvester",
	},
	"exploitation": {
		"msfconsole", "msfvenom", "searchsploit", "setoolkit",
	},
	"web_testing": {
		"nikto", "sqlmap", "gobuster", "dirb", "wfuzz", "whatweb", "wpscan",
		"curl", "wget", "ffuf",
	},
	"password": {
		"hydra", "john", "hashcat", "medusa", "crunch", "cewl", "ophcrack",
	},
	"sniffing": {
		"tcpdump", "tshark", "ettercap",
	},
	"utility": {
		"ls", "cat", "grep", "head", "tail", "wc", "file", "strings", "base64",
		"awk", "sed", "sort", "uniq", "cut", "echo", "dd", "md5sum", "sha256sum",
	},
}

var defaultHighRiskTools = []string{"msfconsole", "msfvenom", "dd"}

// Substring matches that are never acceptable regardless of the tool.
var defaultDangerousTokens = []string{
	"rm -rf", "rm -fr", "mkfs", "shutdown", "reboot", "poweroff", "halt",
	"init 0", "init 6", "useradd", "userdel", "usermod", "groupadd",
	"chpasswd", "visudo", "sudo ", "su -", "su root", "pkill", "killall",
	"kill -9 1", "crontab -r", "history -c", "chattr",
}

var defaultDangerousPatterns = []string{
	`/dev/(sd|hd|nvme|vd|xvd)[a-z]`,
	`/dev/(mem|kmem|port)`,
	`/proc/(sysrq-trigger|sys/kernel)`,
	`/sys/(kernel|class|devices)`,
	`\.\./\.\.`,
	`\\x[0-9a-fA-F]{2}`,
	`%2[eE]%2[eE]`,
	`%2[fF]`,
	`\bnc\b.*\s-[a-z]*e\b`,
	`bash\s+-i\s+>&\s*/dev/tcp`,
	`python[23]?\s+-c\s+.*socket`,
	`(curl|wget)\s[^|;]*\|\s*(ba)?sh`,
	`mknod`,
	`>\s*/etc/`,
}

// Indicators of a container-escape attempt. Stricter than the dangerous
// lists: one match blocks the user, not just the command.
var defaultBreakoutPatterns = []string{
	`docker\.sock`,
	`/var/run/docker`,
	`containerd\.sock`,
	`\bnsenter\b`,
	`\bunshare\b`,
	`\bsetns\b`,
	`find\s+.*-perm\s+(-?4000|/4000|-u\+?s)`,
	`chmod\s+[ugoa]*\+s`,
	`chmod\s+[24][0-7]{3}`,
	`/sys/fs/cgroup`,
	`release_agent`,
	`core_pattern`,
	`/dev/k?mem\b`,
	`\biptables\b`,
	`\bnft\b`,
	`\bip\s+netns\b`,
}

// Suspicious but not blocking: surfaced as warnings and audited.
var defaultSuspiciousPatterns = []string{
	`/etc/(shadow|passwd|sudoers)`,
	`\.ssh/`,
	`id_(rsa|ed25519|ecdsa)`,
	`authorized_keys`,
	`pty\.spawn`,
	`/bin/(ba)?sh\s+-i`,
	`\.bash_history`,
}

// Recognized safe parameter shapes per tool. Absence of a match is an
// observability signal (logged), not a rejection.
var defaultSafeParams = map[string][]string{
	"nmap": {
		`^-s[SVTUAN]$`, `^-p[0-9,\-]+$`, `^-p$`, `^-O$`, `^-A$`, `^-T[0-5]$`,
		`^-o[NXG]$`, `^--script(=[\w,\-]+)?$`, `^-Pn$`, `^-sn$`, `^-v+$`,
		`^[0-9]{1,3}(\.[0-9]{1,3}){3}(/[0-9]{1,2})?$`,
	},
	"sqlmap": {
		`^-u$`, `^https?://\S+$`, `^--batch$`, `^--dbs$`, `^--tables$`,
		`^--level=[1-5]$`, `^--risk=[1-3]$`, `^--dump$`, `^-p$`,
	},
	"hydra": {
		`^-l$`, `^-L$`, `^-p$`, `^-P$`, `^-t$`, `^[0-9]+$`, `^-f$`, `^-V$`,
		`^[0-9]{1,3}(\.[0-9]{1,3}){3}$`, `^(ssh|ftp|http-get|http-post-form|telnet|smb)$`,
	},
	"john": {
		`^--wordlist=\S+$`, `^--rules$`, `^--format=\w+$`, `^--show$`, `^\S+$`,
	},
	"hashcat": {
		`^-m$`, `^-a$`, `^[0-9]+$`, `^-o$`, `^--force$`,
	},
	"gobuster": {
		`^(dir|dns|vhost)$`, `^-u$`, `^-w$`, `^-t$`, `^-x$`, `^\S+$`,
	},
}

const (
	// DefaultScratchDir is the only writable output location for tool
	// redirection, and the working directory for every exec.
	DefaultScratchDir = "/workspace"

	// DefaultTrainingSubnet bounds reverse-connection payload targets.
	DefaultTrainingSubnet = "172.30.0.0/16"
)

// NewCatalog builds the catalog from compiled-in defaults.
func NewCatalog() (*Catalog, error) {
	return buildCatalog(CatalogFile{}, DefaultScratchDir, DefaultTrainingSubnet)
}

// LoadCatalog reads a YAML override file and merges it over the defaults.
func LoadCatalog(path, scratchDir, trainingSubnet string) (*Catalog, error) {
	var file CatalogFile
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("failed to parse policy file: %w", err)
		}
	}
	if scratchDir == "" {
		scratchDir = DefaultScratchDir
	}
	if trainingSubnet == "" {
		trainingSubnet = DefaultTrainingSubnet
	}
	return buildCatalog(file, scratchDir, trainingSubnet)
}

func buildCatalog(file CatalogFile, scratchDir, trainingSubnet string) (*Catalog, error) {
	categories := file.Categories
	if len(categories) == 0 {
		categories = defaultCategories
	}
	tokens := file.DangerousTokens
	if len(tokens) == 0 {
		tokens = defaultDangerousTokens
	}
	highRisk := file.HighRiskTools
	if len(highRisk) == 0 {
		highRisk = defaultHighRiskTools
	}

	c := &Catalog{
		toolCategory:    make(map[string]string),
		dangerousTokens: tokens,
		safeParams:      make(map[string][]*regexp.Regexp),
		highRiskTools:   make(map[string]bool),
		scratchDir:      scratchDir,
		trainingSubnet:  trainingSubnet,
	}

	for category, tools := range categories {
		for _, tool := range tools {
			c.toolCategory[tool] = category
		}
	}
	for _, tool := range highRisk {
		c.highRiskTools[tool] = true
	}

	var err error
	if c.dangerousPatterns, err = compileAll(pick(file.DangerousPatterns, defaultDangerousPatterns)); err != nil {
		return nil, fmt.Errorf("invalid dangerous pattern: %w", err)
	}
	if c.breakoutPatterns, err = compileAll(pick(file.BreakoutPatterns, defaultBreakoutPatterns)); err != nil {
		return nil, fmt.Errorf("invalid breakout pattern: %w", err)
	}
	if c.suspiciousPatterns, err = compileAll(pick(file.SuspiciousPatterns, defaultSuspiciousPatterns)); err != nil {
		return nil, fmt.Errorf("invalid suspicious pattern: %w", err)
	}

	safeParams := file.SafeParams
	if len(safeParams) == 0 {
		safeParams = defaultSafeParams
	}
	for tool, patterns := range safeParams {
		compiled, err := compileAll(patterns)
		if err != nil {
			return nil, fmt.Errorf("invalid safe param pattern for %s: %w", tool, err)
		}
		c.safeParams[tool] = compiled
	}

	return c, nil
}

// IsApproved reports whether the tool is in the allow-list, and its category.
func (c *Catalog) IsApproved(tool string) (string, bool) {
	category, ok := c.toolCategory[tool]
	return category, ok
}

// IsHighRisk reports whether the tool carries extra payload restrictions.
func (c *Catalog) IsHighRisk(tool string) bool {
	return c.highRiskTools[tool]
}

// MatchesDangerous returns the first dangerous token or pattern the command
// contains, or "" when clean.
func (c *Catalog) MatchesDangerous(command string) string {
	for _, token := range c.dangerousTokens {
		if containsFold(command, token) {
			return token
		}
	}
	for _, re := range c.dangerousPatterns {
		if re.MatchString(command) {
			return re.String()
		}
	}
	return ""
}

// MatchesBreakout returns the first container-escape indicator matched.
func (c *Catalog) MatchesBreakout(command string) string {
	for _, re := range c.breakoutPatterns {
		if re.MatchString(command) {
			return re.String()
		}
	}
	return ""
}

// MatchesSuspicious returns all suspicious-but-allowed indicators matched.
func (c *Catalog) MatchesSuspicious(command string) []string {
	var matches []string
	for _, re := range c.suspiciousPatterns {
		if re.MatchString(command) {
			matches = append(matches, re.String())
		}
	}
	return matches
}

func (c *Catalog) ScratchDir() string     { return c.scratchDir }
func (c *Catalog) TrainingSubnet() string { return c.trainingSubnet }

func (c *Catalog) safeParamsFor(tool string) []*regexp.Regexp {
	return c.safeParams[tool]
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func pick(override, fallback []string) []string {
	if len(override) > 0 {
		return override
	}
	return fallback
}
