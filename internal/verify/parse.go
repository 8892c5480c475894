// Package verify turns raw agent event streams into structured results and
// checks that an agent session actually produced a new, issue-tagged git
// commit with real files on disk.
package verify

import (
	"regexp"
	"strings"

	"github.com/spawnd/spawnd/internal/agent"
)

// ParseStatus summarizes what a parsed event stream says about the session.
type ParseStatus string

const (
	ParseSuccess    ParseStatus = "success"
	ParseFailure    ParseStatus = "failure"
	ParseIncomplete ParseStatus = "incomplete"
)

// GitCommit is one commit reported by the agent.
type GitCommit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	IssueID string `json:"issue_id,omitempty"`
}

// ParsedEvents is the structured outcome of walking an event stream.
type ParsedEvents struct {
	GitCommits []GitCommit
	Files      []string
	Errors     []string
	Status     ParseStatus
}

var (
	fullShaPattern  = regexp.MustCompile(`\b[0-9a-f]{40}\b`)
	shortShaPattern = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	// The message flag may be bundled, e.g. `-am "msg"`.
	bashCommitRe   = regexp.MustCompile(`git\s+commit\s+(?:-[a-zA-Z-]+\s+)*-[a-zA-Z]*m\s+["']([^"']+)["']`)
	issueIDPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)
)

// extractSHA pulls a commit SHA out of tool output, preferring a full
// 40-hex match over an abbreviated one.
func extractSHA(output string) string {
	if m := fullShaPattern.FindString(output); m != "" {
		return m
	}
	return shortShaPattern.FindString(output)
}

// ParseEvents walks a provider event stream and extracts git commits, the
// deduplicated set of touched files, and session failures. Parsing is
// deterministic: the same events always produce the same result.
func ParseEvents(events []agent.Event) ParsedEvents {
	var parsed ParsedEvents
	seenFiles := make(map[string]bool)
	seenCommits := make(map[string]bool)

	addFile := func(path string) {
		if path == "" || seenFiles[path] {
			return
		}
		seenFiles[path] = true
		parsed.Files = append(parsed.Files, path)
	}
	addCommit := func(commit GitCommit) {
		key := commit.SHA + "|" + commit.Message
		if seenCommits[key] {
			return
		}
		seenCommits[key] = true
		if commit.IssueID == "" {
			commit.IssueID = issueIDPattern.FindString(commit.Message)
		}
		parsed.GitCommits = append(parsed.GitCommits, commit)
	}

	for _, ev := range events {
		switch ev.Type {
		case agent.EventFileEdited:
			addFile(ev.Properties.File)

		case agent.EventMessageUpdated:
			if ev.Properties.Summary != nil {
				for _, d := range ev.Properties.Summary.Diffs {
					addFile(d.File)
				}
			}

		case agent.EventSessionError:
			msg := ev.Properties.Message
			if msg == "" {
				msg = "session error"
			}
			parsed.Errors = append(parsed.Errors, msg)

		case agent.EventToolCall:
			switch ev.Properties.Tool {
			case agent.ToolGitCommit:
				commit := GitCommit{SHA: extractSHA(ev.Properties.Output)}
				if msg, ok := ev.Properties.Input["message"].(string); ok {
					commit.Message = msg
				}
				addCommit(commit)

			case agent.ToolBash:
				cmd, _ := ev.Properties.Input["command"].(string)
				if m := bashCommitRe.FindStringSubmatch(cmd); m != nil {
					addCommit(GitCommit{
						SHA:     extractSHA(ev.Properties.Output),
						Message: m[1],
					})
				}

			case agent.ToolWriteFile, agent.ToolEditFile:
				if path, ok := ev.Properties.Input["path"].(string); ok {
					addFile(path)
				}
			}
		}
	}

	switch {
	case len(parsed.Errors) > 0:
		parsed.Status = ParseFailure
	case len(parsed.GitCommits) > 0 || len(parsed.Files) > 0:
		parsed.Status = ParseSuccess
	default:
		parsed.Status = ParseIncomplete
	}
	return parsed
}

var (
	// git's own commit confirmation: [branch abc1234] subject
	commitConfirmRe = regexp.MustCompile(`\[[^\s\]]+ ([0-9a-f]{7,40})\] (.+)`)
	createModeRe    = regexp.MustCompile(`(?m)^\s*create mode \d+ (\S+)`)
)

// ScanOutput extracts commit and file markers from a plain-text
// transcript, for providers that return output without an event stream.
// It recognizes `git commit -m`/`-am` invocations and git's commit
// confirmation and create-mode lines.
func ScanOutput(output string) ParsedEvents {
	var parsed ParsedEvents
	seenCommits := make(map[string]bool)
	seenFiles := make(map[string]bool)

	for _, m := range commitConfirmRe.FindAllStringSubmatch(output, -1) {
		commit := GitCommit{SHA: m[1], Message: strings.TrimSpace(m[2])}
		key := commit.SHA + "|" + commit.Message
		if seenCommits[key] {
			continue
		}
		seenCommits[key] = true
		commit.IssueID = issueIDPattern.FindString(commit.Message)
		parsed.GitCommits = append(parsed.GitCommits, commit)
	}
	for _, m := range bashCommitRe.FindAllStringSubmatch(output, -1) {
		commit := GitCommit{Message: m[1]}
		key := "|" + commit.Message
		if seenCommits[key] {
			continue
		}
		// Skip invocations whose confirmation line already recorded the
		// same message with a SHA.
		dup := false
		for _, c := range parsed.GitCommits {
			if c.Message == commit.Message {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seenCommits[key] = true
		commit.IssueID = issueIDPattern.FindString(commit.Message)
		parsed.GitCommits = append(parsed.GitCommits, commit)
	}
	for _, m := range createModeRe.FindAllStringSubmatch(output, -1) {
		if seenFiles[m[1]] {
			continue
		}
		seenFiles[m[1]] = true
		parsed.Files = append(parsed.Files, m[1])
	}

	if len(parsed.GitCommits) > 0 || len(parsed.Files) > 0 {
		parsed.Status = ParseSuccess
	} else {
		parsed.Status = ParseIncomplete
	}
	return parsed
}

// ContainsIssueID reports whether text contains the issue identifier,
// case-insensitively.
func ContainsIssueID(text, issueID string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(issueID))
}
