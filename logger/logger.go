// Package logger provides adapters for popular logger libraries to work with grovedb's Logger interface.
//
// The adapters allow you to use your existing logger with grovedb without writing boilerplate.
// Note that the standard library's slog.Logger already implements grovedb.Logger directly.
//
// Example with zap:
//
//	import (
//	    "grovedb"
//	    "grovedb/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    db, err := grovedb.Open("data.db", grovedb.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//	}
package logger
