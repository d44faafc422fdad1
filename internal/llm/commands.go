package llm

import (
	"regexp"
	"strings"
)

// CommandKind is one verb of the tool-command vocabulary the service may
// emit in free text.
type CommandKind string

const (
	CmdNukeBranch          CommandKind = "NUKE_BRANCH"
	CmdRestartTask         CommandKind = "RESTART_TASK"
	CmdBlockTask           CommandKind = "BLOCK_TASK"
	CmdExecuteScript       CommandKind = "EXECUTE_SCRIPT"
	CmdRunTests            CommandKind = "RUN_TESTS"
	CmdInstallPackage      CommandKind = "INSTALL_PACKAGE"
	CmdBuildProject        CommandKind = "BUILD_PROJECT"
	CmdSearchCodebase      CommandKind = "SEARCH_CODEBASE"
	CmdAnalyzeCapabilities CommandKind = "ANALYZE_CAPABILITIES"
	CmdInspectStructure    CommandKind = "INSPECT_STRUCTURE"
)

// commandKinds holds the full vocabulary, longest keywords first so that
// prefix-sharing verbs cannot shadow each other.
var commandKinds = []CommandKind{
	CmdAnalyzeCapabilities,
	CmdInspectStructure,
	CmdSearchCodebase,
	CmdInstallPackage,
	CmdBuildProject,
	CmdExecuteScript,
	CmdRestartTask,
	CmdNukeBranch,
	CmdBlockTask,
	CmdRunTests,
}

// Command is one parsed tool command: a tagged union over the vocabulary.
type Command struct {
	Kind   CommandKind
	Arg    string
	Reason string
}

// commandRe matches: KEYWORD[: arg][ - reason], keyword case-insensitive.
// The reason separator is " - " with surrounding whitespace, so hyphenated
// arguments (branch names) survive. Built once over the whole vocabulary so
// parsing is a single pass.
var commandRe = func() *regexp.Regexp {
	alts := make([]string, len(commandKinds))
	for i, k := range commandKinds {
		alts[i] = regexp.QuoteMeta(string(k))
	}
	return regexp.MustCompile(`(?im)^\s*(` + strings.Join(alts, "|") + `)(?::[ \t]*(.*?))?(?:[ \t]+-[ \t]+(.+))?[ \t]*$`)
}()

// ParseCommand scans free text for the first tool command. Returns nil if
// none is present; an absent command is not an error, callers apply their
// own default.
func ParseCommand(raw string) *Command {
	m := commandRe.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	return &Command{
		Kind:   CommandKind(strings.ToUpper(m[1])),
		Arg:    strings.TrimSpace(m[2]),
		Reason: strings.TrimSpace(m[3]),
	}
}
