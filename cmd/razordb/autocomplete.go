package main

import (
	"strings"

	"github.com/nconghau/razordb/internal/engine"
)

// maxCompletions caps key suggestions so a large store does not flood the
// terminal.
const maxCompletions = 50

// completer implements readline.AutoCompleter
type completer struct {
	db engine.Engine
}

// commands whose first argument is a key
var keyCommands = map[string]bool{"get": true, "put": true, "keys": true}

// Do is called by chzyer/readline.
// `line` is full buffer as runes, `pos` is cursor position.
// Candidates are the remainders of matching words after the token under the
// cursor, and the returned length is the token's length.
func (c completer) Do(line []rune, pos int) ([][]rune, int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(line) {
		pos = len(line)
	}
	prefix := string(line[:pos])
	fields := strings.Fields(prefix)

	var token string
	tokenIndex := 0 // 0 = command, 1 = key, >=2 = value
	switch {
	case prefix == "":
	case prefix[len(prefix)-1] == ' ' || prefix[len(prefix)-1] == '\t':
		tokenIndex = len(fields)
	default:
		token = fields[len(fields)-1]
		tokenIndex = len(fields) - 1
	}
	replaceLen := len([]rune(token))

	switch tokenIndex {
	case 0:
		names := make([]string, 0, len(commandHelp))
		for _, h := range commandHelp {
			names = append(names, h.name)
		}
		return matchAndExpand(names, token, true), replaceLen
	case 1:
		if !keyCommands[strings.ToLower(fields[0])] {
			return nil, 0
		}
		keys, err := c.db.IterKeys()
		if err != nil {
			return nil, 0
		}
		var candidates []string
		for _, k := range keys {
			if strings.HasPrefix(k, token) {
				candidates = append(candidates, k)
				if len(candidates) == maxCompletions {
					break
				}
			}
		}
		return matchAndExpand(candidates, token, false), replaceLen
	default:
		return nil, 0
	}
}

// matchAndExpand returns what follows prefix in every option that starts
// with it. Command names match regardless of case; keys match exactly.
func matchAndExpand(options []string, prefix string, foldCase bool) [][]rune {
	var matches [][]rune
	for _, o := range options {
		head := o[:min(len(prefix), len(o))]
		if head == prefix || (foldCase && strings.EqualFold(head, prefix)) {
			matches = append(matches, []rune(o[len(head):]))
		}
	}
	return matches
}
