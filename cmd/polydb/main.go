package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/polydb/polydb/internal/config"
	"github.com/polydb/polydb/internal/engine"
	"github.com/polydb/polydb/internal/pagestore"
)

func main() {
	cfgPath := flag.String("config", "", "Path to yaml config file")
	workDir := flag.String("data-dir", "", "Working directory for database files (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *workDir != "" {
		cfg.Storage.Workdir = *workDir
	}
	if cfg.Console.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := os.MkdirAll(cfg.Storage.Workdir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	db, err := engine.Open(cfg.Storage.Workdir, pagestore.Options{
		PageSize:   cfg.Storage.PageSize,
		MaxPages:   cfg.Storage.MaxPages,
		CacheBytes: cfg.Storage.CacheBytes,
	})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	fmt.Printf("%s started with data directory: %s\n", cfg.AppName, cfg.Storage.Workdir)
	fmt.Println(`Type SQL statements, ".help" for commands, ".exit" to quit.`)

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for {
		fmt.Print(cfg.Console.Prompt)
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".") {
			if !metaCommand(db, line) {
				return
			}
			continue
		}
		printJSON(db.Execute(line))
	}
}

// metaCommand handles dot commands; it returns false when the console should
// exit.
func metaCommand(db *engine.Database, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case ".exit", ".quit":
		return false
	case ".help":
		fmt.Println(`.tables              list tables
.describe <table>    show schema and storage figures
.stats               describe every table
.health              engine liveness
.explain <sql>       plan a SELECT or DELETE without running it
.exit                quit`)
	case ".tables":
		tables, err := db.ListTables()
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		for _, tb := range tables {
			fmt.Printf("%s  (%d rows, %d columns)\n", tb.Name, tb.RowCount, tb.ColumnCount)
		}
	case ".describe":
		info, err := db.DescribeTable(arg)
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		printJSON(info)
	case ".stats":
		stats, err := db.Stats()
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		printJSON(stats)
	case ".health":
		printJSON(db.Health())
	case ".explain":
		ex, err := db.Explain(arg)
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		printJSON(ex)
	default:
		fmt.Printf("unknown command %q, try .help\n", cmd)
	}
	return true
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(out))
}
