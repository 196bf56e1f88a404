package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/nconghau/razordb/internal/engine"
	"github.com/nconghau/razordb/internal/lsm"
)

// maxListedKeys caps what the keys command prints.
const maxListedKeys = 1000

var commandHelp = []struct {
	name, usage, about string
}{
	{"put", "put <key> <value>", "store a value; the rest of the line is the value"},
	{"get", "get <key>", "print the newest value of a key"},
	{"keys", "keys [prefix]", "list keys in order"},
	{"flush", "flush", "write buffered memtables to disk"},
	{"stats", "stats", "engine counters and cache sizes"},
	{"truncate", "truncate yes", "delete every key of the store"},
	{"exit", "exit", "leave the shell"},
}

// put <key> <value>
func handlePut(db engine.Engine, out io.Writer, rest string) {
	parts := splitArgs(rest, 2)
	if len(parts) < 2 {
		fmt.Fprintln(out, "Usage: put <key> <value>")
		return
	}
	if err := db.Put([]byte(parts[0]), []byte(parts[1])); err != nil {
		fmt.Fprintln(out, "Put error:", err)
		return
	}
	fmt.Fprintln(out, "OK")
}

// get <key>
func handleGet(db engine.Engine, out io.Writer, rest string) {
	parts := splitArgs(rest, 1)
	if len(parts) < 1 || parts[0] == "" {
		fmt.Fprintln(out, "Usage: get <key>")
		return
	}
	val, err := db.Get([]byte(parts[0]))
	if errors.Is(err, lsm.ErrNotFound) {
		fmt.Fprintln(out, ColorRed+"(not found)"+ColorReset)
		return
	}
	if err != nil {
		fmt.Fprintln(out, "Error:", err)
		return
	}
	fmt.Fprintln(out, string(val))
}

// keys [prefix]
func handleKeys(db engine.Engine, out io.Writer, rest string) {
	prefix := strings.TrimSpace(rest)
	keys, err := db.IterKeys()
	if err != nil {
		fmt.Fprintln(out, "Error:", err)
		return
	}

	listed := 0
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if listed >= maxListedKeys {
			fmt.Fprintf(out, "... (results truncated at %d)\n", maxListedKeys)
			break
		}
		fmt.Fprintln(out, k)
		listed++
	}
	if listed == 0 {
		fmt.Fprintln(out, "(no keys)")
	}
}

func handleFlush(db engine.Engine, out io.Writer) {
	if err := db.Flush(); err != nil {
		fmt.Fprintln(out, "Flush error:", err)
		return
	}
	fmt.Fprintln(out, "Flush complete")
}

func handleStats(db engine.Engine, out io.Writer) {
	m := db.GetMetrics()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-18s %s%d%s\n", name, ColorGreen, m[name], ColorReset)
	}
}

// truncate yes
func handleTruncate(db engine.Engine, out io.Writer, rest string) {
	if strings.TrimSpace(rest) != "yes" {
		fmt.Fprintln(out, "This deletes every key. Run 'truncate yes' to confirm.")
		return
	}
	if err := db.Truncate(); err != nil {
		fmt.Fprintln(out, "Truncate error:", err)
		return
	}
	fmt.Fprintln(out, "Store truncated")
}

// splitArgs splits a string into N parts (N-1 splits), keeping the last part intact.
func splitArgs(s string, n int) []string {
	parts := make([]string, 0, n)
	for i := 0; i < n-1; i++ {
		idx := strings.IndexAny(s, " \t")
		if idx < 0 {
			return append(parts, strings.TrimSpace(s))
		}
		parts = append(parts, strings.TrimSpace(s[:idx]))
		s = strings.TrimSpace(s[idx+1:])
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
