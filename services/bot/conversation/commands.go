// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import "strings"

// CommandKind is the tagged variant of a recognized chat command. Free
// text is itself a variant so the dispatcher switches over exactly one
// enumeration.
type CommandKind int

const (
	CmdFreeText CommandKind = iota
	CmdHelp
	CmdStatus
	CmdProjects
	CmdAuth
	CmdCacheClear
	CmdCacheStats
	CmdTeach
	CmdMappings
	CmdRefresh
)

// Command is one parsed inbound message.
type Command struct {
	Kind CommandKind

	// Args holds the words after the keyword: credentials for CmdAuth,
	// the mapping triple for CmdTeach.
	Args []string

	// Text is the original message, used verbatim for CmdFreeText.
	Text string
}

// ParseCommand classifies a message by its first word, case-insensitive.
// Anything unrecognized is free text for the query pipeline.
func ParseCommand(text string) Command {
	trimmed := strings.TrimSpace(text)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return Command{Kind: CmdFreeText, Text: trimmed}
	}

	keyword := strings.ToLower(fields[0])
	args := fields[1:]

	switch keyword {
	case "help":
		return Command{Kind: CmdHelp, Text: trimmed}
	case "status":
		return Command{Kind: CmdStatus, Text: trimmed}
	case "projects":
		return Command{Kind: CmdProjects, Text: trimmed}
	case "auth", "login":
		return Command{Kind: CmdAuth, Args: args, Text: trimmed}
	case "cache":
		if len(args) > 0 {
			switch strings.ToLower(args[0]) {
			case "clear":
				return Command{Kind: CmdCacheClear, Text: trimmed}
			case "stats":
				return Command{Kind: CmdCacheStats, Text: trimmed}
			}
		}
		return Command{Kind: CmdCacheStats, Text: trimmed}
	case "teach":
		return Command{Kind: CmdTeach, Args: args, Text: trimmed}
	case "mappings":
		return Command{Kind: CmdMappings, Text: trimmed}
	case "refresh":
		return Command{Kind: CmdRefresh, Text: trimmed}
	default:
		return Command{Kind: CmdFreeText, Text: trimmed}
	}
}

const helpText = `**AskBot commands**

| Command | What it does |
|---|---|
| ` + "`auth <username> <api-token>`" + ` | Connect your Jira account |
| ` + "`status`" + ` | Show your session and connection state |
| ` + "`projects`" + ` | List Jira projects you can query |
| ` + "`cache clear`" + ` | Forget your cached query results |
| ` + "`cache stats`" + ` | Show cache hit/miss counters |
| ` + "`teach client <name> <project-key>`" + ` | Map a client name to a project |
| ` + "`teach user <display-name> <username>`" + ` | Map a display name to a Jira user |
| ` + "`mappings`" + ` | Show the taught mappings |
| ` + "`refresh`" + ` | Clear your cache and re-check Jira access |
| ` + "`help`" + ` | This message |

Anything else is treated as a question, for example:
` + "`show open bugs in PROJ`" + ` or ` + "`chart of issues by status assigned to me`"
