package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/nconghau/razordb/internal/engine"
)

const (
	ColorReset  = "\033[0m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorBlue   = "\033[34m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
)

// lineReader is the part of readline.Instance the shell uses.
type lineReader interface {
	Readline() (string, error)
}

// RunCLI runs the interactive shell until exit or EOF.
func RunCLI(db engine.Engine, rl lineReader, out io.Writer) {
	for {
		line, err := rl.Readline()
		if err != nil {
			// Ctrl+D / Ctrl+C / EOF
			fmt.Fprintln(out)
			return
		}
		if !runCommand(db, out, line) {
			return
		}
	}
}

// runCommand executes one shell line. It returns false when the shell
// should stop.
func runCommand(db engine.Engine, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	cmd, rest := splitCmdRest(line)
	switch strings.ToLower(cmd) {
	case "put":
		handlePut(db, out, rest)
	case "get":
		handleGet(db, out, rest)
	case "keys":
		handleKeys(db, out, rest)
	case "flush":
		handleFlush(db, out)
	case "stats":
		handleStats(db, out)
	case "truncate":
		handleTruncate(db, out, rest)
	case "exit", "quit":
		fmt.Fprintln(out, "Bye!")
		return false
	default:
		fmt.Fprintln(out, "Unknown command:", cmd)
	}
	return true
}

// splitCmdRest extracts the command (first token) and the rest of the line (raw).
func splitCmdRest(line string) (cmd, rest string) {
	for i, r := range line {
		if r == ' ' || r == '\t' {
			return line[:i], strings.TrimSpace(line[i+1:])
		}
	}
	return line, ""
}
