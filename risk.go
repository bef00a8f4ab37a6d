package termpilot

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// --- Command analysis (interactive-command handling) ---

// HandlingStrategy says how execute_command should treat a command.
type HandlingStrategy string

const (
	// StrategyAllow runs the command as-is.
	StrategyAllow HandlingStrategy = "allow"
	// StrategyAutoFix runs a rewritten command instead.
	StrategyAutoFix HandlingStrategy = "auto_fix"
	// StrategyTimedExecution runs the command and sends TimeoutAction
	// after SuggestedTimeoutMs.
	StrategyTimedExecution HandlingStrategy = "timed_execution"
	// StrategyBlock refuses the command with a hint.
	StrategyBlock HandlingStrategy = "block"
)

// TimeoutAction is the key sent to terminate a timed execution.
type TimeoutAction string

const (
	TimeoutCtrlC TimeoutAction = "ctrl_c"
	TimeoutCtrlD TimeoutAction = "ctrl_d"
	TimeoutQ     TimeoutAction = "q"
)

// HandlingInfo is the AnalyzeCommand result.
type HandlingInfo struct {
	Strategy           HandlingStrategy `json:"strategy"`
	FixedCommand       string           `json:"fixed_command,omitempty"`
	SuggestedTimeoutMs int              `json:"suggested_timeout_ms,omitempty"`
	TimeoutAction      TimeoutAction    `json:"timeout_action,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	Hint               string           `json:"hint,omitempty"`
}

// defaultTimedExecutionMs is the follow-tail timeout when none is suggested.
const defaultTimedExecutionMs = 5000

// normalizeCommand canonicalizes a command for matching: NFKC folding
// (full-width forms, compatibility characters) plus whitespace collapse.
// Classification must be stable under whitespace and case variation; case
// is folded at the individual match sites that need it so fixed commands
// keep the user's original casing.
func normalizeCommand(cmd string) string {
	cmd = norm.NFKC.String(cmd)
	return strings.Join(strings.Fields(cmd), " ")
}

// commandHead returns the first token, stripping env assignments and sudo.
func commandHead(cmd string) string {
	fields := strings.Fields(cmd)
	for _, f := range fields {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "-") {
			continue // FOO=bar prefix
		}
		if f == "sudo" || f == "doas" {
			continue
		}
		return f
	}
	return ""
}

// blockedInteractive maps full-screen programs to their block hints.
// These cannot run usefully inside a captured terminal session.
var blockedInteractive = map[string]struct{ reason, hint string }{
	"vim":    {"vim 是全屏交互式程序", "请使用 write_file 工具或 sed 命令编辑文件"},
	"vi":     {"vi 是全屏交互式程序", "请使用 write_file 工具或 sed 命令编辑文件"},
	"nvim":   {"nvim 是全屏交互式程序", "请使用 write_file 工具或 sed 命令编辑文件"},
	"nano":   {"nano 是全屏交互式程序", "请使用 write_file 工具或 sed 命令编辑文件"},
	"emacs":  {"emacs 是全屏交互式程序", "请使用 write_file 工具或 sed 命令编辑文件"},
	"mc":     {"mc 是全屏文件管理器", "请使用 ls、cp、mv 等命令操作文件"},
	"ranger": {"ranger 是全屏文件管理器", "请使用 ls、cp、mv 等命令操作文件"},
	"tmux":   {"tmux 是终端复用器", "当前会话已由引擎管理，请直接执行命令"},
	"screen": {"screen 是终端复用器", "当前会话已由引擎管理，请直接执行命令"},
}

// timedExecutionPatterns are follow-style commands that never exit on
// their own; they run for a bounded window and then receive ctrl_c.
var timedExecutionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btail\s+.*-[fF]\b`),
	regexp.MustCompile(`(?i)\btail\s+-[fF]\b`),
	regexp.MustCompile(`(?i)\bjournalctl\b.*\s-f\b`),
	regexp.MustCompile(`(?i)\bdocker\s+logs\b.*\s-f\b`),
	regexp.MustCompile(`(?i)\bkubectl\s+logs\b.*\s-f\b`),
}

var (
	rePingCount   = regexp.MustCompile(`(?i)(^|\s)-c\s*\d+`)
	rePingHead    = regexp.MustCompile(`(?i)^ping\s+`)
	rePkgInstall  = regexp.MustCompile(`(?i)^(sudo\s+)?(apt-get|apt|yum|dnf)\s+install\b`)
	rePkgYes      = regexp.MustCompile(`(?i)(^|\s)(-y|--yes|--assume-yes)(\s|$)`)
	rePipePager   = regexp.MustCompile(`(?i)\|\s*(less|more)\s*$`)
	rePagerFile   = regexp.MustCompile(`(?i)^(less|more)\s+(\S+)\s*$`)
	reWatchPrefix = regexp.MustCompile(`(?i)^watch\s+(?:-n\s*\d+(?:\.\d+)?\s+)?`)
)

// AnalyzeCommand classifies a shell command for interactive-safety and
// returns the handling strategy. Rules apply in order; first match wins:
// block full-screen programs, auto-fix common footguns, time-box
// follow-style commands, otherwise allow.
func AnalyzeCommand(command string) HandlingInfo {
	cmd := normalizeCommand(command)
	if cmd == "" {
		return HandlingInfo{Strategy: StrategyAllow}
	}
	head := strings.ToLower(commandHead(cmd))

	// 1. Blocked full-screen editors, file managers, multiplexers.
	if b, ok := blockedInteractive[head]; ok {
		return HandlingInfo{Strategy: StrategyBlock, Reason: b.reason, Hint: b.hint}
	}

	// 2. Auto-fixes.
	if fix, ok := autoFixCommand(cmd, head); ok {
		return fix
	}

	// 3. Timed execution for follow-style commands.
	for _, re := range timedExecutionPatterns {
		if re.MatchString(cmd) {
			return HandlingInfo{
				Strategy:           StrategyTimedExecution,
				SuggestedTimeoutMs: defaultTimedExecutionMs,
				TimeoutAction:      TimeoutCtrlC,
				Hint:               "持续输出的命令将在超时后自动发送 Ctrl+C",
			}
		}
	}

	return HandlingInfo{Strategy: StrategyAllow}
}

// autoFixCommand rewrites known footguns into capture-friendly forms.
func autoFixCommand(cmd, head string) (HandlingInfo, bool) {
	switch {
	case rePingHead.MatchString(cmd) && !rePingCount.MatchString(cmd):
		fixed := rePingHead.ReplaceAllString(cmd, "ping -c 4 ")
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: fixed,
			Hint:         "已自动添加 -c 4 限制次数",
		}, true

	case rePkgInstall.MatchString(cmd) && !rePkgYes.MatchString(cmd):
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: cmd + " -y",
			Hint:         "已自动添加 -y 避免交互确认",
		}, true

	case rePipePager.MatchString(cmd):
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: strings.TrimSpace(rePipePager.ReplaceAllString(cmd, "")),
			Hint:         "已移除管道分页器",
		}, true

	case rePagerFile.MatchString(cmd):
		m := rePagerFile.FindStringSubmatch(cmd)
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: "cat " + m[2] + " | head -200",
			Hint:         "已改为 cat + head 以避免分页器",
		}, true

	case head == "top":
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: "(top -bn1 || top -l 1 -n 0) | head -30",
			Hint:         "已改为批处理模式快照",
		}, true

	case head == "htop" || head == "btop":
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: "ps aux --sort=-%cpu | head -11 || ps aux | head -11",
			Hint:         "已改为 ps 快照替代全屏监视器",
		}, true

	case head == "iotop":
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: "iostat -x 1 2 || vmstat 1 2",
			Hint:         "已改为 iostat 快照替代 iotop",
		}, true

	case head == "iftop":
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: "ss -tunp | head -20 || netstat -tunp | head -20",
			Hint:         "已改为 ss 快照替代 iftop",
		}, true

	case head == "nmon":
		return HandlingInfo{
			Strategy:     StrategyAutoFix,
			FixedCommand: "vmstat 1 3 && free -h",
			Hint:         "已改为 vmstat/free 快照替代 nmon",
		}, true

	case head == "watch":
		inner := strings.TrimSpace(reWatchPrefix.ReplaceAllString(cmd, ""))
		if inner == "" {
			break
		}
		// Every emitted FixedCommand must re-analyze as allow, so the
		// unwrapped command goes back through the pipeline: a blocked or
		// follow-style inner command keeps its own handling instead of
		// being unwrapped into a second fix.
		switch h := AnalyzeCommand(inner); h.Strategy {
		case StrategyAllow:
			return HandlingInfo{
				Strategy:     StrategyAutoFix,
				FixedCommand: inner,
				Hint:         "已改为单次执行替代 watch",
			}, true
		case StrategyAutoFix:
			h.Hint = "已改为单次执行替代 watch，" + h.Hint
			return h, true
		default:
			return h, true
		}
	}
	return HandlingInfo{}, false
}

// --- Risk classification ---

// Rule sets are checked blocked → dangerous → moderate; first hit wins.
// Everything else is safe.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+/\s*$`),
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+/\*`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/[sh]d[a-z]`),
	regexp.MustCompile(`(?i)>\s*/dev/[sh]d[a-z]`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/\s*$`),
	regexp.MustCompile(`(?i)\bchown\b.*\s+/\s*$`),
	regexp.MustCompile(`(?i)>\s*/etc/(passwd|shadow|sudoers)\b`),
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[|;&]\s*)(sudo\s+)?rm\s`),
	regexp.MustCompile(`(?i)(^|[|;&]\s*)(sudo\s+)?(kill|killall|pkill)\b`),
	regexp.MustCompile(`(?i)(^|[|;&]\s*)(sudo\s+)?chmod\b`),
	regexp.MustCompile(`(?i)(^|[|;&]\s*)(sudo\s+)?chown\b`),
	regexp.MustCompile(`(?i)(^|[|;&]\s*)(sudo\s+)?(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(?i)\bsystemctl\s+(stop|restart|disable)\b`),
	regexp.MustCompile(`(?i)\bservice\s+\S+\s+(stop|restart)\b`),
	regexp.MustCompile(`(?i)\b(apt-get|apt|yum|dnf)\s+(remove|purge|autoremove)\b`),
	regexp.MustCompile(`(?i)>>?\s*/(etc|var)/`),
	regexp.MustCompile(`(?i)\bcurl\b[^|]*\|\s*(sudo\s+)?(ba)?sh\b`),
	regexp.MustCompile(`(?i)\bwget\b[^|]*-O-?[^|]*\|\s*(sudo\s+)?(ba)?sh\b`),
}

var moderatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[|;&]\s*)(sudo\s+)?(mv|cp|mkdir|touch)\b`),
	regexp.MustCompile(`(?i)\bsystemctl\s+(start|enable|status)\b`),
	regexp.MustCompile(`(?i)\bservice\s+\S+\s+start\b`),
	regexp.MustCompile(`(?i)\b[\w-]+-install\b`),
	regexp.MustCompile(`(?i)\b(npm|pip|pip3)\s+install\b`),
	regexp.MustCompile(`(?i)\bgit\s+(pull|push|commit)\b`),
	regexp.MustCompile(`(?i)\b(apt-get|apt|yum|dnf)\s+install\b`),
}

// AssessRisk classifies a shell command into safe/moderate/dangerous/
// blocked. Classification is stable under whitespace and case variation.
func AssessRisk(command string) RiskLevel {
	cmd := normalizeCommand(command)
	if cmd == "" {
		return RiskSafe
	}
	for _, re := range blockedPatterns {
		if re.MatchString(cmd) {
			return RiskBlocked
		}
	}
	for _, re := range dangerousPatterns {
		if re.MatchString(cmd) {
			return RiskDangerous
		}
	}
	for _, re := range moderatePatterns {
		if re.MatchString(cmd) {
			return RiskModerate
		}
	}
	return RiskSafe
}

// --- Sudo & password prompts ---

var sudoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[|;&]\s*)sudo\b`),
	regexp.MustCompile(`(?i)\|\s*sudo\b`),
	regexp.MustCompile(`(?i)(^|[|;&]\s*)su\b(\s+-c\b|\s+-\b|\s*$|\s+\w)`),
	regexp.MustCompile(`(?i)(^|[|;&]\s*)pkexec\b`),
	regexp.MustCompile(`(?i)(^|[|;&]\s*)doas\b`),
	regexp.MustCompile(`(?i)\bosascript\b.*administrator privileges`),
}

// IsSudoCommand reports whether a command will escalate privileges and may
// therefore trigger a password prompt.
func IsSudoCommand(command string) bool {
	cmd := normalizeCommand(command)
	for _, re := range sudoPatterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// passwordPromptPatterns cover English and common localized prompts.
var passwordPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*(for\s+\S+)?\s*:\s*$`),
	regexp.MustCompile(`(?i)\[sudo\]\s+password`),
	regexp.MustCompile(`(?i)passphrase\s*(for\s+\S+)?\s*:\s*$`),
	regexp.MustCompile(`(?i)enter\s+password`),
	regexp.MustCompile(`密码\s*[:：]\s*$`),
	regexp.MustCompile(`请输入密码`),
	regexp.MustCompile(`(?i)authentication\s+required`),
}

// DetectPasswordPrompt scans the last five lines of terminal output for a
// password prompt and returns the matching line, or "" when none matches.
func DetectPasswordPrompt(output string) string {
	for _, line := range lastLines(output, 5) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, re := range passwordPromptPatterns {
			if re.MatchString(trimmed) {
				return trimmed
			}
		}
	}
	return ""
}
