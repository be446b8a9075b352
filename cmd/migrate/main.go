package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/ignite/mailrice/internal/config"
	"github.com/ignite/mailrice/internal/store"
)

const usage = `usage: migrate [-config path] up | down [n] | version | force <version>`

func main() {
	args := os.Args[1:]
	configPath := os.Getenv("MAILRICE_CONFIG")
	if len(args) >= 2 && args[0] == "-config" {
		configPath, args = args[1], args[2:]
	}
	if len(args) == 0 {
		log.Fatal(usage)
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := store.Open(context.Background(), store.Options{
		Driver: cfg.Database.Driver,
		URL:    cfg.Database.URL,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer st.Close()
	log.Printf("Connected to %s database", st.Dialect())

	m, err := st.Migrator()
	if err != nil {
		log.Fatalf("migrator: %v", err)
	}

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		n := 1
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 {
				log.Fatalf("invalid step count %q", args[1])
			}
		}
		err = m.Steps(-n)
	case "version":
		v, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return
		}
		if verr != nil {
			log.Fatalf("version: %v", verr)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
		return
	case "force":
		if len(args) < 2 {
			log.Fatal(usage)
		}
		v, perr := strconv.Atoi(args[1])
		if perr != nil {
			log.Fatalf("invalid version %q", args[1])
		}
		err = m.Force(v)
	default:
		log.Fatal(usage)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No change")
		return
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
	v, _, _ := m.Version()
	log.Printf("Done. Schema version %d", v)
}
