package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/consul"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/filer"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/postgres"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/quota"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/transcriber"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/worker"
	"github.com/airenas/go-app/pkg/goapp"
	capi "github.com/hashicorp/consul/api"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
)

func main() {
	goapp.StartWithDefault()
	cfg := goapp.Config

	data := &worker.ServiceData{}
	ctx := context.Background()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}

	goapp.Log.Info().Int32("max_conn", dbConfig.MaxConns).Int32("min_conn", dbConfig.MinConns).Msg("db info")

	dbPool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	data.GueClient, err = gue.NewClient(pgxv5.NewConnPool(dbPool))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue")
	}
	data.WorkerCount = cfg.GetInt("worker.count")
	data.Testing = cfg.GetBool("worker.testing")
	data.RetryDelay = cfg.GetDuration("worker.retryDelay")
	data.MsgSender, err = postgres.NewSender(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}
	data.Filer, err = filer.NewFiler(ctx, filer.Options{Bucket: cfg.GetString("filer.bucket"),
		URL: cfg.GetString("filer.url"), User: cfg.GetString("filer.user"), Key: cfg.GetString("filer.key"),
		Secure: cfg.GetBool("filer.https")})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init filer")
	}
	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}

	data.DB = db

	data.Quota, err = quota.NewLedger(db)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init quota ledger")
	}

	data.Transcriber, err = transcriber.NewClient(cfg.GetString("transcriber.uploadUrl"),
		cfg.GetString("transcriber.cleanUrl"), cfg.GetString("transcriber.callbackUrl"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init transcriber")
	}

	consulCfg := capi.DefaultConfig()
	if addr := cfg.GetString("consul.url"); addr != "" {
		consulCfg.Address = addr
	}
	provider, err := consul.NewProvider(consulCfg, cfg.GetString("llm.serviceName"), cfg.GetString("llm.key"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init completer provider")
	}
	data.Completers = provider
	data.ModelService = cfg.GetString("llm.serviceName")

	printBanner()

	ctx, cancelFunc := context.WithCancel(context.Background())
	registryCh, err := provider.StartRegistryLoop(ctx, cfg.GetDuration("consul.checkInterval"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start consul registry loop")
	}
	doneCh, err := worker.StartWorkerService(ctx, data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start worker service")
	}
	go utils.RunPerfEndpoint()
	/////////////////////// Waiting for terminate
	waitCh := make(chan os.Signal, 2)
	signal.Notify(waitCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-waitCh:
		goapp.Log.Info().Msg("Got exit signal")
	case <-doneCh:
		goapp.Log.Info().Msg("Service exit")
	}
	cancelFunc()
	select {
	case <-doneCh:
		<-registryCh
		goapp.Log.Info().Msg("All code returned. Now exit. Bye")
	case <-time.After(time.Second * 15):
		goapp.Log.Warn().Msg("Timeout gracefull shutdown")
	}
}

var (
	version = "DEV"
)

func printBanner() {
	banner := `
    ________    ___    ____  __  _______
   / ____/ /   /   |  / __ \/ / / / ___/
  / /   / /   / /| | / /_/ / / / /\__ \
 / /___/ /___/ ___ |/ _, _/ /_/ /___/ /
 \____/_____/_/  |_/_/ |_|\____//____/

                       __
  _      ______  _____/ /_____  _____
 | | /| / / __ \/ ___/ //_/ _ \/ ___/
 | |/ |/ / /_/ / /  / ,< /  __/ /
 |__/|__/\____/_/  /_/|_|\___/_/     v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/VetSecItPro/clarus-app-sub007"))
}
