// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kelpstudio/dts/approvals"
	"github.com/kelpstudio/dts/audit"
	"github.com/kelpstudio/dts/catalog"
	"github.com/kelpstudio/dts/config"
	"github.com/kelpstudio/dts/httpapi"
	"github.com/kelpstudio/dts/ingest"
	"github.com/kelpstudio/dts/notify"
	"github.com/kelpstudio/dts/queue"
	"github.com/kelpstudio/dts/shotgrid"
	"github.com/kelpstudio/dts/statemachine"
	"github.com/kelpstudio/dts/workers"
	"github.com/kelpstudio/dts/workers/copy"
	"github.com/kelpstudio/dts/workers/scan"

	"github.com/kelpstudio/dts/auth"
)

// prints usage info
func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s <config_file>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "See config/config.go for details on config files.\n")
	os.Exit(1)
}

func enableLogging() {
	logLevel := new(slog.LevelVar)
	if config.Service.Debug {
		logLevel.Set(slog.LevelDebug)
	} else {
		logLevel.Set(slog.LevelInfo)
	}
	handler := slog.NewJSONHandler(os.Stdout,
		&slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Debug logging enabled.")
}

// shotgridClient constructs the collaborator config.ShotGrid names: a real
// RESTClient when enabled, or the degraded NullClient otherwise, per
// spec.md §6's "best-effort, logged-and-swallowed" integration contract.
func shotgridClient() shotgrid.Client {
	if !config.ShotGrid.Enabled {
		return shotgrid.NullClient{}
	}
	return shotgrid.NewRESTClient(config.ShotGrid.URL, config.ShotGrid.ScriptName, config.ShotGrid.ScriptKey)
}

func main() {
	// the only argument is the configuration filename
	if len(os.Args) < 2 {
		usage()
	}
	configFile := os.Args[1]

	// read the configuration file and initialize the config package
	log.Printf("Reading configuration from '%s'...\n", configFile)
	file, err := os.Open(configFile)
	if err != nil {
		log.Panicf("Couldn't open %s: %s\n", configFile, err.Error())
	}
	defer file.Close()
	b, err := io.ReadAll(file)
	if err != nil {
		log.Panicf("Couldn't read configuration data: %s\n", err.Error())
	}
	if err := config.Init(b); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}

	enableLogging()

	cat, err := catalog.Open(filepath.Join(config.Service.DataDirectory, "dts.db"))
	if err != nil {
		log.Panicf("Couldn't open the catalog: %s\n", err.Error())
	}
	defer cat.Close()

	tasks, err := queue.Open(filepath.Join(config.Service.DataDirectory, "tasks.db"))
	if err != nil {
		log.Panicf("Couldn't open the task queue: %s\n", err.Error())
	}

	journal, err := audit.Open(filepath.Join(config.Service.DataDirectory, "audit.db"))
	if err != nil {
		log.Panicf("Couldn't open the audit journal: %s\n", err.Error())
	}
	defer journal.Close()

	sm := statemachine.New(cat, tasks, journal)
	coord := approvals.New(cat, sm)
	ingestor := ingest.New(cat, config.Service.MaxUploadSize)

	fleet := workers.NewFleet(cat, sm,
		scan.Config{
			Enabled:        config.Scanner.Enabled,
			BinaryPath:     config.Scanner.BinaryPath,
			TimeoutSeconds: config.Scanner.TimeoutSeconds,
		},
		copy.Config{
			ProductionRoot: config.Service.ProductionRoot,
			Method:         config.Copy.Method,
			TimeoutSeconds: config.Copy.TimeoutSeconds,
		},
		notify.Config{
			Host:     config.SMTP.Host,
			Port:     config.SMTP.Port,
			Username: config.SMTP.Username,
			Password: config.SMTP.Password,
			From:     config.SMTP.From,
		},
		shotgridClient(),
		journal,
	)
	fleet.Register(tasks)
	tasks.Start()
	defer tasks.Stop()

	authenticator, err := auth.NewAuthenticator(cat)
	if err != nil {
		log.Panicf("Couldn't create the authenticator: %s\n", err.Error())
	}

	server := httpapi.New(cat, sm, coord, ingestor, authenticator, httpapi.Config{
		Port:               config.Service.Port,
		MaxConnections:      config.Service.MaxConnections,
		RequestReadTimeout: time.Duration(config.Service.RequestReadTimeout) * time.Second,
		StagingRoot:        config.Service.StagingRoot,
	})

	// intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals so we can shut
	// down the service gracefully if they are encountered
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// start the service in a goroutine so it doesn't block
	go func() {
		if err := server.Start(); err != nil {
			log.Println(err.Error())
			thisProcess, _ := os.FindProcess(os.Getpid())
			thisProcess.Signal(os.Interrupt)
		}
	}()

	// block till we receive one of the above signals
	<-sigChan

	// create a deadline to wait for
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// wait for connections to close until the deadline elapses
	server.Shutdown(ctx)
	log.Println("Shutting down")
	os.Exit(0)
}
