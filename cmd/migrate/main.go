package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-booking-queue/internal/db"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

// usage: migrate [up|down|force <version>|version]
func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("APP_ENV"))

	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	if dsn == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	m, err := db.NewMigrator(dsn)
	if err != nil {
		logger.Error("create migrator", "error", err)
		os.Exit(1)
	}
	defer func() { _ = m.Close() }()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "force":
		if len(os.Args) < 3 {
			err = errors.New("force needs a version")
			break
		}
		var v int
		if v, err = strconv.Atoi(os.Args[2]); err == nil {
			err = m.Force(v)
		}
	case "version":
		v, dirty, verr := m.Version()
		if verr == nil {
			fmt.Printf("version=%d dirty=%t\n", v, dirty)
		}
		err = verr
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		logger.Error("migrate failed", "command", cmd, "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete", "command", cmd)
}
