// Command kilnctl is a minimal one-shot harness for exercising a kiln
// without running the kilnd daemon: process a single file, run a full
// scan, or issue a search query against an already-populated kiln.
//
// Usage:
//
//	kilnctl process-kiln -root ./notes
//	kilnctl process-file -root ./notes -path daily/2026-07-31.md
//	kilnctl search -root ./notes -query "merkle diff" -k 5
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kilnwork/kiln"
	"github.com/kilnwork/kiln/search"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	root := flag.String("root", ".", "Kiln root directory")
	embedProvider := flag.String("embed-provider", "ollama", "Embedding provider")
	embedModel := flag.String("embed-model", "nomic-embed-text", "Embedding model")
	embedDim := flag.Int("embed-dim", 768, "Embedding vector dimension")
	force := flag.Bool("force", false, "Bypass the quick-filter shortcut")
	path := flag.String("path", "", "Kiln-relative path (process-file)")
	query := flag.String("query", "", "Search query (search)")
	k := flag.Int("k", 10, "Number of search results")
	notePrefix := flag.String("note-prefix", "", "Restrict search to notes under this path prefix")

	cmd := os.Args[1]
	if err := flag.CommandLine.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	cfg := kiln.DefaultConfig()
	cfg.Root = *root
	cfg.Embedding.Provider = *embedProvider
	cfg.Embedding.Model = *embedModel
	cfg.EmbeddingDim = *embedDim

	engine, err := kiln.New(cfg)
	if err != nil {
		fatal("creating engine", err)
	}
	defer engine.Close()

	ctx := context.Background()

	switch cmd {
	case "process-kiln":
		metrics, err := engine.ProcessKiln(ctx, *force)
		if err != nil {
			fatal("processing kiln", err)
		}
		printJSON(metrics)

	case "process-file":
		if *path == "" {
			fatal("process-file", fmt.Errorf("-path is required"))
		}
		outcome, err := engine.ProcessFile(ctx, *path, *force)
		if err != nil {
			fatal("processing file", err)
		}
		printJSON(outcome)

	case "search":
		if *query == "" {
			fatal("search", fmt.Errorf("-query is required"))
		}
		results, err := engine.Search(ctx, *query, *k, search.Filters{NotePathPrefix: *notePrefix})
		if err != nil {
			fatal("searching", err)
		}
		printJSON(results)

	case "status":
		status, err := engine.Status(ctx)
		if err != nil {
			fatal("status", err)
		}
		printJSON(status)

	default:
		usage()
		os.Exit(2)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encoding output", err)
	}
}

func fatal(action string, err error) {
	slog.Error(action, "error", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kilnctl {process-kiln|process-file|search|status} [-root dir] [flags]")
}
