package termpilot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CommandType buckets a command for progress heuristics.
type CommandType string

const (
	CommandBuild    CommandType = "build"
	CommandDownload CommandType = "download"
	CommandInstall  CommandType = "install"
	CommandTest     CommandType = "test"
	CommandCompile  CommandType = "compile"
	CommandDeploy   CommandType = "deploy"
	CommandGeneric  CommandType = "generic"
)

// ProgressType identifies how progress was expressed in the output.
type ProgressType string

const (
	ProgressPercentage ProgressType = "percentage"
	ProgressFraction   ProgressType = "fraction"
	ProgressCount      ProgressType = "count"
	ProgressStage      ProgressType = "stage"
	ProgressETA        ProgressType = "eta"
)

// ProgressInfo is a normalized progress reading.
type ProgressInfo struct {
	Type     ProgressType `json:"type"`
	Value    float64      `json:"value"` // 0..100
	Current  int          `json:"current,omitempty"`
	Total    int          `json:"total,omitempty"`
	Stage    string       `json:"stage,omitempty"`
	ETA      string       `json:"eta,omitempty"`
	Speed    string       `json:"speed,omitempty"`
	RawMatch string       `json:"raw_match,omitempty"`
}

// CommandProgress is the DetectProgress result attached to tool results
// and steps.
type CommandProgress struct {
	CommandType     CommandType   `json:"command_type"`
	Progress        *ProgressInfo `json:"progress,omitempty"`
	IsIndeterminate bool          `json:"is_indeterminate,omitempty"`
	LastUpdate      int64         `json:"last_update"`
	StatusText      string        `json:"status_text,omitempty"`
}

// progressWindowLines bounds how far back detection looks.
const progressWindowLines = 30

// commandTypeHeads maps command heads to their progress bucket.
var commandTypeHeads = []struct {
	heads []string
	typ   CommandType
}{
	{[]string{"make", "cmake", "ninja", "bazel", "mvn", "gradle", "go build", "cargo build", "docker build", "npm run build"}, CommandBuild},
	{[]string{"wget", "curl", "aria2c", "scp", "rsync", "git clone", "docker pull"}, CommandDownload},
	{[]string{"apt", "apt-get", "yum", "dnf", "npm install", "pip install", "pip3 install", "brew install"}, CommandInstall},
	{[]string{"go test", "pytest", "npm test", "cargo test", "jest", "ctest"}, CommandTest},
	{[]string{"gcc", "g++", "clang", "rustc", "javac", "tsc"}, CommandCompile},
	{[]string{"kubectl", "helm", "terraform", "ansible", "docker push", "docker compose"}, CommandDeploy},
}

// classifyCommand picks the CommandType from the command head.
func classifyCommand(command string) CommandType {
	cmd := strings.ToLower(strings.TrimSpace(command))
	if cmd == "" {
		return CommandGeneric
	}
	for _, group := range commandTypeHeads {
		for _, h := range group.heads {
			if cmd == h || strings.HasPrefix(cmd, h+" ") || strings.HasPrefix(cmd, h) && strings.Contains(h, " ") {
				return group.typ
			}
		}
	}
	return CommandGeneric
}

// Progress regex families, tried newest line first, in this order.
var (
	rePercent       = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)
	reFraction      = regexp.MustCompile(`[\[(]?(\d+)\s*/\s*(\d+)[\])]?`)
	reCompileFrac   = regexp.MustCompile(`[\[(](\d+)\s*/\s*(\d+)[\])]\s+\S+`)
	reCargo         = regexp.MustCompile(`Compiling\s+\S+\s+v\S+|Building\s+\[[=> ]+\]\s*(\d+)/(\d+)`)
	reDockerStep    = regexp.MustCompile(`Step\s+(\d+)/(\d+)`)
	reMaven         = regexp.MustCompile(`\[INFO\]\s+Building\s+(.+)`)
	reGradle        = regexp.MustCompile(`>\s+Task\s+(:\S+)|<[=-]+>\s*(\d{1,3})%`)
	reNpmBar        = regexp.MustCompile(`[⸨\[]([#=]*)[ .⠂-]*[⸩\]]`)
	reDownloadPct   = regexp.MustCompile(`(\d{1,3})%\s*[\[(]?[=>#\s]*[\])]?\s*(\d+(?:\.\d+)?[KMG]?B?)?`)
	reTestSummary   = regexp.MustCompile(`(\d+)\s+pass(?:ed|ing)?(?:,|\s).*?(\d+)\s+(?:fail|total)`)
	reETA           = regexp.MustCompile(`(?i)\beta[:\s]+((?:\d+[hms]\s*)+|\d{1,2}:\d{2}(?::\d{2})?)`)
	reSpeed         = regexp.MustCompile(`(\d+(?:\.\d+)?\s*[KMG]i?B/s)`)
	spinnerChars    = "⠁⠂⠄⡀⢀⠠⠐⠈⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏|/-\\"
	reSpinnerStatus = regexp.MustCompile(`^[\s⠁⠂⠄⡀⢀⠠⠐⠈⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏|/\\-]+\s*(.+)$`)
)

// DetectProgress parses raw command output into a CommandProgress record.
// Detection examines the last 30 output lines, newest first, trying the
// regex families in a fixed order. ETA and speed are back-filled from any
// matching line in the window. If nothing matches but recent lines contain
// spinner characters, the result is indeterminate with a status line.
func DetectProgress(output, command string) *CommandProgress {
	cp := &CommandProgress{
		CommandType: classifyCommand(command),
		LastUpdate:  nowMillis(),
	}

	lines := lastLines(output, progressWindowLines)
	if len(lines) == 0 {
		return nil
	}

	// Newest first.
	for i := len(lines) - 1; i >= 0; i-- {
		if p := matchProgressLine(lines[i]); p != nil {
			cp.Progress = p
			cp.StatusText = strings.TrimSpace(lines[i])
			break
		}
	}

	// Back-fill ETA and speed from anywhere in the window.
	for i := len(lines) - 1; i >= 0; i-- {
		if cp.Progress == nil {
			break
		}
		if cp.Progress.ETA == "" {
			if m := reETA.FindStringSubmatch(lines[i]); m != nil {
				cp.Progress.ETA = strings.TrimSpace(m[1])
			}
		}
		if cp.Progress.Speed == "" {
			if m := reSpeed.FindStringSubmatch(lines[i]); m != nil {
				cp.Progress.Speed = m[1]
			}
		}
		if cp.Progress.ETA != "" && cp.Progress.Speed != "" {
			break
		}
	}

	if cp.Progress != nil {
		return cp
	}

	// Spinner-only output: indeterminate with a status line.
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.ContainsAny(lines[i], spinnerChars) {
			cp.IsIndeterminate = true
			if m := reSpinnerStatus.FindStringSubmatch(lines[i]); m != nil {
				cp.StatusText = strings.TrimSpace(m[1])
			}
			return cp
		}
	}

	return nil
}

// matchProgressLine tries the regex families on one line, in order.
func matchProgressLine(line string) *ProgressInfo {
	// Percentage (incl. download percent with trailing size).
	if m := rePercent.FindStringSubmatch(line); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v >= 0 && v <= 100 {
			return &ProgressInfo{Type: ProgressPercentage, Value: v, RawMatch: m[0]}
		}
	}

	// Docker build steps.
	if m := reDockerStep.FindStringSubmatch(line); m != nil {
		return fractionInfo(m[1], m[2], m[0], ProgressStage)
	}

	// Compile fraction "[12/345] file.o" before the generic fraction so the
	// object-file suffix is captured as stage context.
	if m := reCompileFrac.FindStringSubmatch(line); m != nil {
		return fractionInfo(m[1], m[2], m[0], ProgressFraction)
	}

	// Generic fraction "3/10", "[3/10]", "(3/10)".
	if m := reFraction.FindStringSubmatch(line); m != nil {
		return fractionInfo(m[1], m[2], m[0], ProgressFraction)
	}

	// Cargo build bar.
	if m := reCargo.FindStringSubmatch(line); m != nil {
		if m[1] != "" && m[2] != "" {
			return fractionInfo(m[1], m[2], m[0], ProgressFraction)
		}
		return &ProgressInfo{Type: ProgressStage, Stage: strings.TrimSpace(m[0]), RawMatch: m[0]}
	}

	// Maven module banner.
	if m := reMaven.FindStringSubmatch(line); m != nil {
		return &ProgressInfo{Type: ProgressStage, Stage: strings.TrimSpace(m[1]), RawMatch: m[0]}
	}

	// Gradle task or bar.
	if m := reGradle.FindStringSubmatch(line); m != nil {
		if m[2] != "" {
			v, _ := strconv.ParseFloat(m[2], 64)
			return &ProgressInfo{Type: ProgressPercentage, Value: v, RawMatch: m[0]}
		}
		return &ProgressInfo{Type: ProgressStage, Stage: m[1], RawMatch: m[0]}
	}

	// npm progress bar: estimate fill ratio.
	if m := reNpmBar.FindStringSubmatch(line); m != nil {
		bar := m[1]
		total := len(m[0]) - 2
		if total > 0 {
			v := float64(len(bar)) / float64(total) * 100
			return &ProgressInfo{Type: ProgressPercentage, Value: v, RawMatch: m[0]}
		}
	}

	// Test pass summary.
	if m := reTestSummary.FindStringSubmatch(line); m != nil {
		return fractionInfo(m[1], m[2], m[0], ProgressCount)
	}

	return nil
}

// fractionInfo builds a ProgressInfo from current/total capture strings.
func fractionInfo(cur, tot, raw string, typ ProgressType) *ProgressInfo {
	c, err1 := strconv.Atoi(cur)
	t, err2 := strconv.Atoi(tot)
	if err1 != nil || err2 != nil || t <= 0 || c < 0 || c > t {
		return nil
	}
	return &ProgressInfo{
		Type:     typ,
		Value:    float64(c) / float64(t) * 100,
		Current:  c,
		Total:    t,
		RawMatch: raw,
	}
}

// HasProgressChanged treats a change as significant when the percent
// differs by at least one point or the ETA string changes.
func HasProgressChanged(old, new *CommandProgress) bool {
	if old == nil || new == nil {
		return old != new
	}
	if old.Progress == nil || new.Progress == nil {
		return (old.Progress == nil) != (new.Progress == nil)
	}
	if diff := new.Progress.Value - old.Progress.Value; diff >= 1 || diff <= -1 {
		return true
	}
	return old.Progress.ETA != new.Progress.ETA
}

// FormatProgress renders a progress record as a single status line. The
// output is parseable by DetectProgress: value, current/total, ETA, and
// speed survive a format/detect round trip.
func FormatProgress(p *ProgressInfo) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	switch {
	case p.Total > 0:
		fmt.Fprintf(&b, "[%d/%d]", p.Current, p.Total)
	default:
		fmt.Fprintf(&b, "%.1f%%", p.Value)
	}
	if p.ETA != "" {
		fmt.Fprintf(&b, " ETA: %s", p.ETA)
	}
	if p.Speed != "" {
		fmt.Fprintf(&b, " %s", p.Speed)
	}
	return b.String()
}
