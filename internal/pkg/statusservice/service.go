package statusservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/gorilla/websocket"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"

	"github.com/airenas/go-app/pkg/goapp"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// DB loads content and stage info
type DB interface {
	LoadContent(ctx context.Context, id string) (*persistence.ContentItem, error)
	LoadAnalysisResults(ctx context.Context, contentID string) ([]*persistence.AnalysisResult, error)
}

// WSConnHandler is websocket connection wrapper
type WSConnHandler interface {
	HandleConnection(WsConn) error
	GetConnections(id string) ([]WsConn, bool)
}

// Data keeps data required for service work
type Data struct {
	Port      int
	DB        DB
	WSHandler WSConnHandler
}

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Msgf("Starting HTTP CLARUS status service at %d", data.Port)
	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("clarus_status", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.GET("/status/:id", statusHandler(data))
	e.GET("/live", live(data))
	e.GET("/subscribe", subscribeHandler(data))

	goapp.Log.Info().Msg("Routes:")
	for _, r := range e.Routes() {
		goapp.Log.Info().Msgf("  %s %s", r.Method, r.Path)
	}
	return e
}

func live(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		return c.JSONBlob(http.StatusOK, []byte(`{"service":"OK"}`))
	}
}

type stageResult struct {
	Stage   string          `json:"stage"`
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type result struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	Kind            string        `json:"kind,omitempty"`
	ErrorCode       string        `json:"errorCode,omitempty"`
	Error           string        `json:"error,omitempty"`
	TranscriptReady bool          `json:"transcriptReady,omitempty"`
	Stages          []stageResult `json:"stages,omitempty"`
}

func statusHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("status method")()

		id := c.Param("id")
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "No ID")
		}
		ctx := c.Request().Context()
		res, err := loadResult(ctx, data.DB, id)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Service error")
		}
		return c.JSON(http.StatusOK, res)
	}
}

func loadResult(ctx context.Context, db DB, id string) (*result, error) {
	item, err := db.LoadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("can't load content: %w", err)
	}
	if item == nil {
		return &result{ID: id, Status: "NOT_FOUND", Error: "NOT_FOUND", ErrorCode: "NOT_FOUND"}, nil
	}
	stages, err := db.LoadAnalysisResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("can't load results: %w", err)
	}
	return mapResult(item, stages), nil
}

func mapResult(item *persistence.ContentItem, stages []*persistence.AnalysisResult) *result {
	res := &result{ID: item.ID, Status: item.Status, Kind: item.Kind,
		Error: utils.FromSQLStr(item.LastError), ErrorCode: utils.FromSQLStr(item.ErrorCode),
		TranscriptReady: item.TranscriptReady}
	for _, s := range stages {
		res.Stages = append(res.Stages, stageResult{Stage: s.Stage, Status: s.Status,
			Payload: s.Payload, Error: utils.FromSQLStr(s.Error)})
	}
	return res
}

func validate(data *Data) error {
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	if data.WSHandler == nil {
		return fmt.Errorf("no WSHandler")
	}
	return nil
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

func subscribeHandler(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return err
		}
		defer ws.Close()

		return data.WSHandler.HandleConnection(ws)
	}
}
