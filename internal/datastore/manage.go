package datastore

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cartag/cartag-go/internal/logging"
)

// slowQueryThreshold marks queries worth flagging in the log. One second
// accommodates migration batch queries.
const slowQueryThreshold = 1 * time.Second

var storeLogger *slog.Logger

func getLogger() *slog.Logger {
	if storeLogger == nil {
		storeLogger = logging.ForService("datastore")
	}
	return storeLogger
}

// createGormLogger configures the GORM logger; debug mode logs all
// statements, otherwise only slow queries and errors surface.
func createGormLogger(debug bool) gormlogger.Interface {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	return gormlogger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// performAutoMigration migrates the full schema on the open connection.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(
		&Image{},
		&TagDefinition{},
		&ImageTagAssignment{},
		&AnnotationEvent{},
		&ReviewTask{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		getLogger().Debug("database connection initialized",
			"type", dbType,
			"connection", connectionInfo)
	}
	return nil
}
