package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// ClientConfig is the connection target and credentials the driver's DSN
// is built from.
type ClientConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (c *ClientConfig) dsn() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=5s",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// statement is one classified command this harness drives through the
// gateway, paired with a label for the printed trace.
type statement struct {
	label string
	sql   string
}

// defaultStatements exercises every classifier tag family a standalone
// gateway (no real backend behind it) can meaningfully acknowledge:
// read-only SELECT, write DML, a transaction bracket and a SET.
var defaultStatements = []statement{
	{"read", "SELECT 1"},
	{"write", "INSERT INTO t(id) VALUES (1)"},
	{"begin", "BEGIN"},
	{"write-in-tx", "UPDATE t SET id = 2 WHERE id = 1"},
	{"commit", "COMMIT"},
	{"session", "SET NAMES utf8mb4"},
}

func main() {
	cfg := &ClientConfig{}
	flag.StringVar(&cfg.Host, "host", "127.0.0.1", "gateway host")
	flag.IntVar(&cfg.Port, "port", 3307, "gateway port")
	flag.StringVar(&cfg.User, "user", "root", "account to authenticate as")
	flag.StringVar(&cfg.Password, "password", "", "account password")
	flag.StringVar(&cfg.Database, "database", "", "initial database (sent in the handshake response)")
	flag.Parse()

	db, err := sql.Open("mysql", cfg.dsn())
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	start := time.Now()
	if err := db.Ping(); err != nil {
		log.Fatalf("handshake/auth against %s:%d failed: %v", cfg.Host, cfg.Port, err)
	}
	fmt.Printf("connected to %s:%d as %s (%s)\n", cfg.Host, cfg.Port, cfg.User, time.Since(start))

	// The gateway classifies and routes every statement but never
	// executes it against a real backend, so every acknowledged command
	// comes back as a bare OK — Exec, not Query, is the right driver
	// call for that contract.
	for _, stmt := range defaultStatements {
		t0 := time.Now()
		_, err := db.Exec(stmt.sql)
		status := "ok"
		if err != nil {
			status = err.Error()
		}
		fmt.Printf("%-12s %-40s -> %-6s (%s)\n", stmt.label, trim(stmt.sql), status, time.Since(t0))
	}
}

func trim(sql string) string {
	if len(sql) > 40 {
		return sql[:37] + "..."
	}
	return strings.TrimSpace(sql)
}
