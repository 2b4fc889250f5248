package main

import (
	"context"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/filer"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/postgres"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/webhook"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
)

func main() {
	goapp.StartWithDefault()

	printBanner()

	cfg := goapp.Config
	data := &webhook.Data{}
	data.Port = cfg.GetInt("port")
	var err error

	ctx := context.Background()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}

	dbPool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	defer dbPool.Close()

	db, err := postgres.NewDB(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db")
	}

	data.DB = db

	data.Filer, err = filer.NewFiler(ctx, filer.Options{Bucket: cfg.GetString("filer.bucket"),
		URL: cfg.GetString("filer.url"), User: cfg.GetString("filer.user"), Key: cfg.GetString("filer.key"),
		Secure: cfg.GetBool("filer.https")})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init file saver")
	}

	data.MsgSender, err = postgres.NewSender(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}

	data.Verifier, err = webhook.NewSecretVerifier(cfg.GetString("webhook.secret"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init secret verifier")
	}

	err = webhook.StartWebServer(data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
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

                 __    __                __
  _      _____  / /_  / /_  ____  ____  / /__
 | | /| / / _ \/ __ \/ __ \/ __ \/ __ \/ //_/
 | |/ |/ /  __/ /_/ / / / / /_/ / /_/ / ,<
 |__/|__/\___/_.___/_/ /_/\____/\____/_/|_|  v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/VetSecItPro/clarus-app-sub007"))
}
