package main

import (
	"context"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/filer"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/ingest"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/postgres"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/gommon/color"
)

func main() {
	goapp.StartWithDefault()

	printBanner()

	cfg := goapp.Config
	data := &ingest.Data{}
	data.Port = cfg.GetInt("port")
	data.RetrySecret = cfg.GetString("retrySecret")
	var err error

	ctx := context.Background()

	dbConfig, err := pgxpool.ParseConfig(cfg.GetString("db.url"))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init db pool")
	}
	addDBLog(dbConfig)

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

	data.Saver, err = filer.NewFiler(ctx, filer.Options{Bucket: cfg.GetString("filer.bucket"),
		URL: cfg.GetString("filer.url"), User: cfg.GetString("filer.user"), Key: cfg.GetString("filer.key"),
		Secure: cfg.GetBool("filer.https")})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init file saver")
	}

	data.MsgSender, err = postgres.NewSender(dbPool)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init gue sender")
	}

	err = ingest.StartWebServer(data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start web server")
	}
}

func addDBLog(dbConfig *pgxpool.Config) {
	logFunc := goapp.Log.Info().Msg
	dbConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		logFunc("before connect")
		return nil
	}
	dbConfig.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		logFunc("after connect")
		return nil
	}
	dbConfig.BeforeAcquire = func(ctx context.Context, c *pgx.Conn) bool {
		logFunc("before acquire")
		return true
	}
	dbConfig.AfterRelease = func(c *pgx.Conn) bool {
		logFunc("after release")
		return true
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

     _                       __
    (_)___  ____ ____  _____/ /_
   / / __ \/ __ ` + "`" + `/ _ \/ ___/ __/
  / / / / / /_/ /  __(__  ) /_
 /_/_/ /_/\__, /\___/____/\__/   v: %s
         /____/

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/VetSecItPro/clarus-app-sub007"))
}
