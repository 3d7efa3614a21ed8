// Command minisql is the thin CLI named by spec.md §6/§10: a readline REPL
// translating `create/use/show/drop database|table|index`,
// `insert/select/update/delete`, `execfile` and `quit` directly into
// internal/engine.Engine calls. No SQL parsing — grounded in
// tuannm99-novasql's cmd/client (chzyer/readline REPL, statement
// accumulation until ';', history file) rather than the teacher's
// cmd/repl (which wraps a full database/sql driver this repo's Out-of-scope
// list excludes).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/minisql-go/minisql/internal/engine"
)

func main() {
	var (
		dataDir    = flag.String("datadir", defaultDataDir(), "directory holding one .db file per database")
		configPath = flag.String("config", "", "optional YAML config file (pool_size, checkpoint_interval_cron, ...)")
		histPath   = flag.String("history", defaultHistoryPath(), "readline history file path")
	)
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "minisql:", err)
		os.Exit(1)
	}

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		loaded, err := engine.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "minisql: config:", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	repl := newREPL(*dataDir, cfg)
	defer repl.closeDatabase()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "minisql> ",
		HistoryFile:     *histPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "minisql: readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	var buf strings.Builder
	for {
		prompt := "minisql> "
		if repl.dbName != "" {
			prompt = repl.dbName + "> "
		}
		if buf.Len() > 0 {
			prompt = "     ...> "
		}
		rl.SetPrompt(prompt)

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if buf.Len() > 0 {
				buf.Reset()
				continue
			}
			continue
		}
		if err != nil {
			// EOF (Ctrl-D): same as `quit`.
			fmt.Println()
			os.Exit(0)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(line)

		if !strings.HasSuffix(strings.TrimSpace(line), ";") {
			continue
		}
		stmt := strings.TrimSuffix(strings.TrimSpace(buf.String()), ";")
		buf.Reset()

		if err := repl.execute(stmt); err != nil {
			if err == errQuit {
				os.Exit(0)
			}
			fmt.Fprintln(os.Stderr, "ERR:", err)
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./minisql-data"
	}
	return filepath.Join(home, ".minisql", "data")
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".minisql_history"
	}
	return filepath.Join(home, ".minisql_history")
}
