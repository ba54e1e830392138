package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"docgate.org/internal/migrate"
	"docgate.org/internal/store/sqlstore"
)

func main() {
	log.SetFlags(0)
	var (
		driver    = pflag.String("driver", envOr("DOCGATE_STORE", "postgres"), "database dialect: postgres or sqlite")
		dsn       = pflag.String("dsn", os.Getenv("DOCGATE_STORE_DSN"), "database DSN (sqlite: file path)")
		seedsPath = pflag.String("seeds", "", "directory of *.sql seed files")
		timeout   = pflag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status|pending|seed")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or DOCGATE_STORE_DSN")
	}
	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sqlstore.Open(ctx, sqlstore.Dialect(strings.ToLower(*driver)), *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr, err := db.MigrationManager(opts...)
	if err != nil {
		log.Fatalf("migrations: %v", err)
	}

	cmd := pflag.Arg(0)
	var names []string
	switch cmd {
	case "up":
		names, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			names = []string{name}
		}
	case "seed":
		if *seedsPath == "" {
			log.Fatal("seed requires --seeds")
		}
		names, err = mgr.Seed(ctx)
	case "status":
		names, err = mgr.Status(ctx)
	case "pending":
		names, err = mgr.Pending(ctx)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
