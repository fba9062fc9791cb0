package main

import (
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/devzarr/devzarr/api"
	"github.com/devzarr/devzarr/auth"
	"github.com/devzarr/devzarr/bus"
	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		persister.Close()
		globals.AppLogger.Info("interrupted, shutting down")
		os.Exit(0)
	}()

	instanceId := uuid.NewString()
	eventBus, err := bus.NewBus(globalConfig, instanceId)
	if err != nil {
		panic(err)
	}
	defer eventBus.Close()

	sessions, err := auth.NewSessions(globalConfig)
	if err != nil {
		panic(err)
	}

	server, err := api.NewServer(globalConfig, persister, sessions, eventBus, instanceId)
	if err != nil {
		panic(err)
	}
	defer server.Close()

	server.RefreshTrending()
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := cronRunner.AddFunc("* * * * *", server.RefreshTrending); err != nil {
		panic(err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, server.Router())
	} else {
		err = http.ListenAndServe(*addr, server.Router())
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}
