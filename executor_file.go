package termpilot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// maxFullReadBytes is the read_file whole-file limit.
const maxFullReadBytes = 500 * 1024

// oversizeReadHint lists the four permitted strategies for large files.
const oversizeReadHint = "file exceeds the 500 KB full-read limit; use one of: " +
	"(1) info_only=true for metadata, " +
	"(2) start_line/end_line for a range, " +
	"(3) max_lines for the head, " +
	"(4) tail_lines for the tail"

type readFileParams struct {
	Path      string `json:"path"`
	InfoOnly  bool   `json:"info_only"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	MaxLines  int    `json:"max_lines"`
	TailLines int    `json:"tail_lines"`
}

func (p readFileParams) hasRange() bool {
	return p.StartLine > 0 || p.EndLine > 0 || p.MaxLines > 0 || p.TailLines > 0
}

func (e *Executor) readFile(ctx context.Context, call ToolCall) ExecResult {
	var p readFileParams
	if r := parseArgs(call.Args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.Path) == "" {
		return execFailure("path is empty")
	}
	if e.terminal != nil && e.terminal.Type() == TerminalSSH {
		return e.readFileSSH(ctx, p)
	}
	return e.readFileLocal(p)
}

func (e *Executor) readFileLocal(p readFileParams) ExecResult {
	info, err := os.Stat(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return execFailure("file not found: %s", p.Path)
		}
		return execFailure("stat failed: %v", err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(p.Path)
		if err != nil {
			return execFailure("read dir failed: %v", err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s is a directory with %d entries:\n", p.Path, len(entries))
		for _, ent := range entries {
			kind := "file"
			if ent.IsDir() {
				kind = "dir"
			}
			fmt.Fprintf(&b, "  [%s] %s\n", kind, ent.Name())
		}
		return execSuccess(b.String())
	}
	if p.InfoOnly {
		return execSuccess(fmt.Sprintf("%s: %d bytes, mode %s, modified %s",
			p.Path, info.Size(), info.Mode(), info.ModTime().Format("2006-01-02 15:04:05")))
	}
	if info.Size() > maxFullReadBytes && !p.hasRange() {
		return execFailure("%s", oversizeReadHint)
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return execFailure("read failed: %v", err)
	}
	return sliceFileContent(p, string(data))
}

func (e *Executor) readFileSSH(ctx context.Context, p readFileParams) ExecResult {
	if e.sftp == nil || !e.sftp.HasSession(e.sftpID) {
		return ExecResult{Error: ErrSFTPNotInitialized.Error()}
	}
	info, err := e.sftp.Stat(ctx, e.sftpID, p.Path)
	if err != nil {
		return execFailure("stat failed: %v", err)
	}
	if info.IsDir {
		entries, err := e.sftp.List(ctx, e.sftpID, p.Path)
		if err != nil {
			return execFailure("read dir failed: %v", err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s is a directory with %d entries:\n", p.Path, len(entries))
		for _, ent := range entries {
			kind := "file"
			if ent.IsDir {
				kind = "dir"
			}
			fmt.Fprintf(&b, "  [%s] %s\n", kind, ent.Name)
		}
		return execSuccess(b.String())
	}
	if p.InfoOnly {
		return execSuccess(fmt.Sprintf("%s: %d bytes, mode %s", p.Path, info.Size, info.Mode))
	}
	if info.Size > maxFullReadBytes && !p.hasRange() {
		return execFailure("%s", oversizeReadHint)
	}
	data, err := e.sftp.ReadFile(ctx, e.sftpID, p.Path)
	if err != nil {
		return execFailure("read failed: %v", err)
	}
	return sliceFileContent(p, string(data))
}

// sliceFileContent applies the range/head/tail selectors. Line numbers
// are 1-based inclusive.
func sliceFileContent(p readFileParams, content string) ExecResult {
	lines := strings.Split(content, "\n")
	total := len(lines)

	switch {
	case p.StartLine > 0 || p.EndLine > 0:
		start := p.StartLine
		if start < 1 {
			start = 1
		}
		end := p.EndLine
		if end < 1 || end > total {
			end = total
		}
		if start > total {
			return execFailure("start_line %d beyond end of file (%d lines)", start, total)
		}
		if end < start {
			return execFailure("end_line %d before start_line %d", end, start)
		}
		body := strings.Join(lines[start-1:end], "\n")
		return execSuccess(fmt.Sprintf("[lines %d-%d of %d]\n%s", start, end, total, body))
	case p.MaxLines > 0:
		n := p.MaxLines
		if n > total {
			n = total
		}
		return execSuccess(fmt.Sprintf("[first %d of %d lines]\n%s", n, total, strings.Join(lines[:n], "\n")))
	case p.TailLines > 0:
		n := p.TailLines
		if n > total {
			n = total
		}
		return execSuccess(fmt.Sprintf("[last %d of %d lines]\n%s", n, total, strings.Join(lines[total-n:], "\n")))
	default:
		return execSuccess(content)
	}
}

// --- write_file ---

// WriteMode is the write_file edit mode.
type WriteMode string

const (
	WriteOverwrite    WriteMode = "overwrite"
	WriteCreate       WriteMode = "create"
	WriteAppend       WriteMode = "append"
	WriteInsert       WriteMode = "insert"
	WriteReplaceLines WriteMode = "replace_lines"
	WriteRegexReplace WriteMode = "regex_replace"
)

// sshWriteModes are the only modes the SFTP path supports.
var sshWriteModes = map[WriteMode]bool{
	WriteOverwrite: true,
	WriteCreate:    true,
	WriteAppend:    true,
}

type writeFileParams struct {
	Path         string    `json:"path"`
	Content      string    `json:"content"`
	Mode         WriteMode `json:"mode"`
	InsertAtLine int       `json:"insert_at_line"`
	StartLine    int       `json:"start_line"`
	EndLine      int       `json:"end_line"`
	Pattern      string    `json:"pattern"`
	Replacement  string    `json:"replacement"`
	Scope        string    `json:"scope"` // first | all
}

// systemPathPrefixes raise write risk to dangerous.
var systemPathPrefixes = []string{"/etc/", "/boot/", "/usr/", "/bin/", "/sbin/", "/lib/", "/var/lib/"}

func writeRisk(path string) RiskLevel {
	for _, prefix := range systemPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return RiskDangerous
		}
	}
	return RiskModerate
}

func (e *Executor) writeFile(ctx context.Context, call ToolCall) ExecResult {
	var p writeFileParams
	if r := parseArgs(call.Args, &p); r != nil {
		return *r
	}
	if strings.TrimSpace(p.Path) == "" {
		return execFailure("path is empty")
	}
	if p.Mode == "" {
		p.Mode = WriteOverwrite
	}

	isSSH := e.terminal != nil && e.terminal.Type() == TerminalSSH
	if isSSH && !sshWriteModes[p.Mode] {
		return execFailure("mode %q is not supported on SSH terminals; use execute_command with sed or awk instead", p.Mode)
	}

	args, rejected := e.confirm(ctx, call, writeRisk(p.Path), "")
	if rejected != nil {
		return *rejected
	}
	if !sameRaw(args, call.Args) {
		if r := parseArgs(args, &p); r != nil {
			return *r
		}
	}

	e.hooks.setPhase(PhaseWritingFile, "write_file")
	if isSSH {
		return e.writeFileSSH(ctx, p)
	}
	return e.writeFileLocal(p)
}

func (e *Executor) writeFileLocal(p writeFileParams) ExecResult {
	switch p.Mode {
	case WriteOverwrite:
		if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
			return execFailure("write failed: %v", err)
		}
		return execSuccess(fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path))

	case WriteCreate:
		if _, err := os.Stat(p.Path); err == nil {
			return execFailure("file already exists: %s (use overwrite)", p.Path)
		}
		if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
			return execFailure("create failed: %v", err)
		}
		return execSuccess(fmt.Sprintf("created %s (%d bytes)", p.Path, len(p.Content)))

	case WriteAppend:
		f, err := os.OpenFile(p.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return execFailure("append failed: %v", err)
		}
		defer f.Close()
		if _, err := f.WriteString(p.Content); err != nil {
			return execFailure("append failed: %v", err)
		}
		return execSuccess(fmt.Sprintf("appended %d bytes to %s", len(p.Content), p.Path))

	case WriteInsert, WriteReplaceLines, WriteRegexReplace:
		data, err := os.ReadFile(p.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return execFailure("file not found: %s (mode %s requires an existing file)", p.Path, p.Mode)
			}
			return execFailure("read failed: %v", err)
		}
		updated, res := editContent(p, string(data))
		if res != nil {
			return *res
		}
		if err := os.WriteFile(p.Path, []byte(updated), 0o644); err != nil {
			return execFailure("write failed: %v", err)
		}
		return execSuccess(fmt.Sprintf("edited %s (mode %s)", p.Path, p.Mode))

	default:
		return execFailure("unknown write mode: %q", p.Mode)
	}
}

func (e *Executor) writeFileSSH(ctx context.Context, p writeFileParams) ExecResult {
	if e.sftp == nil || !e.sftp.HasSession(e.sftpID) {
		return ExecResult{Error: ErrSFTPNotInitialized.Error()}
	}
	switch p.Mode {
	case WriteCreate:
		if _, err := e.sftp.Stat(ctx, e.sftpID, p.Path); err == nil {
			return execFailure("file already exists: %s (use overwrite)", p.Path)
		}
		fallthrough
	case WriteOverwrite:
		if err := e.sftp.WriteFile(ctx, e.sftpID, p.Path, []byte(p.Content)); err != nil {
			return execFailure("write failed: %v", err)
		}
		return execSuccess(fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path))
	case WriteAppend:
		existing, err := e.sftp.ReadFile(ctx, e.sftpID, p.Path)
		if err != nil {
			existing = nil // treat as new file
		}
		if err := e.sftp.WriteFile(ctx, e.sftpID, p.Path, append(existing, p.Content...)); err != nil {
			return execFailure("append failed: %v", err)
		}
		return execSuccess(fmt.Sprintf("appended %d bytes to %s", len(p.Content), p.Path))
	default:
		return execFailure("mode %q is not supported on SSH terminals", p.Mode)
	}
}

// editContent applies insert, replace_lines, or regex_replace to content.
// A non-nil ExecResult is a validation failure.
func editContent(p writeFileParams, content string) (string, *ExecResult) {
	fail := func(format string, args ...any) (string, *ExecResult) {
		r := execFailure(format, args...)
		return "", &r
	}
	lines := strings.Split(content, "\n")
	total := len(lines)

	switch p.Mode {
	case WriteInsert:
		at := p.InsertAtLine
		if at < 1 || at > total+1 {
			return fail("insert_at_line %d out of range (1-%d)", at, total+1)
		}
		inserted := strings.Split(p.Content, "\n")
		out := make([]string, 0, total+len(inserted))
		out = append(out, lines[:at-1]...)
		out = append(out, inserted...)
		out = append(out, lines[at-1:]...)
		return strings.Join(out, "\n"), nil

	case WriteReplaceLines:
		if p.StartLine < 1 || p.StartLine > total {
			return fail("start_line %d out of range (1-%d)", p.StartLine, total)
		}
		if p.EndLine < p.StartLine || p.EndLine > total {
			return fail("end_line %d out of range (%d-%d)", p.EndLine, p.StartLine, total)
		}
		replacement := strings.Split(p.Content, "\n")
		out := make([]string, 0, total)
		out = append(out, lines[:p.StartLine-1]...)
		out = append(out, replacement...)
		out = append(out, lines[p.EndLine:]...)
		return strings.Join(out, "\n"), nil

	case WriteRegexReplace:
		if p.Pattern == "" {
			return fail("pattern is required for regex_replace")
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fail("invalid regex: %v", err)
		}
		if !re.MatchString(content) {
			return fail("pattern matched nothing: %q", p.Pattern)
		}
		if p.Scope == "first" {
			loc := re.FindStringIndex(content)
			expanded := re.ReplaceAllString(content[loc[0]:loc[1]], p.Replacement)
			return content[:loc[0]] + expanded + content[loc[1]:], nil
		}
		return re.ReplaceAllString(content, p.Replacement), nil
	}
	return fail("unknown write mode: %q", p.Mode)
}
