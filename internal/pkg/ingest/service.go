package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/api"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/messages"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/status"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"

	"github.com/airenas/go-app/pkg/goapp"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// FileSaver provides save file functionality
type FileSaver interface {
	SaveFile(ctx context.Context, name string, r io.Reader, fileSize int64) error
}

// MsgSender provides send msg functionality
type MsgSender interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// DB saves content items
type DB interface {
	InsertContent(ctx context.Context, item *persistence.ContentItem) error
	LoadContent(ctx context.Context, id string) (*persistence.ContentItem, error)
	UpdateContent(ctx context.Context, item *persistence.ContentItem) error
}

// Data keeps data required for service work
type Data struct {
	Port        int
	Saver       FileSaver
	DB          DB
	MsgSender   MsgSender
	RetrySecret string
}

const requestIDHeader = "x-doorman-requestid"

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Msgf("Starting HTTP CLARUS ingest service at %d", data.Port)
	if err := validate(data); err != nil {
		return err
	}

	portStr := strconv.Itoa(data.Port)

	e := initRoutes(data)

	e.Server.Addr = ":" + portStr
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = 180 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	gracehttp.SetLogger(log.New(goapp.Log, "", 0))

	return gracehttp.Serve(e.Server)
}

func validate(data *Data) error {
	if data.Saver == nil {
		return errors.New("no file saver")
	}
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	if data.MsgSender == nil {
		return fmt.Errorf("no msg sender")
	}
	return nil
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("clarus_ingest", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.POST("/submit", submit(data))
	if data.RetrySecret != "" {
		e.POST(fmt.Sprintf("/retry/%s/:id", data.RetrySecret), retry(data))
	}
	e.GET("/live", live(data))

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

type result struct {
	ID string `json:"id"`
}

func submit(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("submit method")()
		ctx := c.Request().Context()

		form, err := c.MultipartForm()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "no multipart form data")
		}
		defer cleanFiles(form)
		err = validateFormParams(form)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		kind := c.FormValue(api.PrmKind)
		if kind != api.KindText && kind != api.KindMedia {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("wrong kind '%s'", kind))
		}
		owner := c.FormValue(api.PrmOwner)
		if owner == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "no owner")
		}

		file, handler, err := takeFile(form, api.PrmFile)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "no file")
		}
		defer file.Close()
		if err := validateExt(kind, handler.Filename); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		item := persistence.ContentItem{}
		item.ID = uuid.New().String()
		item.OwnerID = owner
		item.Kind = kind
		item.Status = status.Pending.String()
		item.Email = utils.ToSQLStr(c.FormValue(api.PrmEmail))
		item.Lang = utils.ToSQLStr(c.FormValue(api.PrmLang))
		item.Created = time.Now()

		fn, err := utils.MakeValidateFileName(item.ID, handler.Filename)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "wrong file name: "+handler.Filename)
		}
		item.SourceName = utils.ToSQLStr(strings.TrimPrefix(fn, item.ID+"/"))

		requestID := c.Request().Header.Get(requestIDHeader)
		goapp.Log.Info().Str("requestID", requestID).Str("kind", kind).Msg("request info")

		if err := data.DB.InsertContent(ctx, &item); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		if err := data.Saver.SaveFile(ctx, fn, file, handler.Size); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		msg := &messages.PipelineMessage{QueueMessage: amessages.QueueMessage{ID: item.ID}, RequestID: requestID}
		if err := data.MsgSender.SendMessage(ctx, msg, workQueue(&item)); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}

		return c.JSON(http.StatusOK, result{ID: item.ID})
	}
}

// retry resets a failed item and puts it back on the pipeline
func retry(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("retry method")()
		ctx := c.Request().Context()
		id := c.Param("id")
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "No ID")
		}
		item, err := data.DB.LoadContent(ctx, id)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		if item == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Unknown ID")
		}
		if !status.CanRestart(status.From(item.Status)) {
			return echo.NewHTTPError(http.StatusConflict, "Not failed")
		}
		resetForRetry(item)
		if err := data.DB.UpdateContent(ctx, item); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
		msg := &messages.PipelineMessage{QueueMessage: amessages.QueueMessage{ID: item.ID}}
		if err := data.MsgSender.SendMessage(ctx, msg, workQueue(item)); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError)
		}

		return c.JSON(http.StatusOK, result{ID: id})
	}
}

// resetForRetry clears the failure fields for a fresh pipeline run,
// guarded by status.CanRestart at the call site
func resetForRetry(item *persistence.ContentItem) {
	item.Status = status.Pending.String()
	item.AnalysisAttempt = 0
	item.LastError = utils.ToSQLStr("")
	item.ErrorCode = utils.ToSQLStr("")
}

// workQueue picks the first pipeline step for the item
func workQueue(item *persistence.ContentItem) string {
	if item.Kind == api.KindMedia && !item.TranscriptReady {
		return messages.WorkTranscribe
	}
	return messages.WorkAnalyze
}

func cleanFiles(f *multipart.Form) {
	if f != nil {
		_ = f.RemoveAll()
	}
}

func validateFormParams(form *multipart.Form) error {
	allowed := map[string]bool{api.PrmEmail: true, api.PrmKind: true,
		api.PrmOwner: true, api.PrmLang: true}
	for k := range form.Value {
		_, f := allowed[k]
		if !f {
			return errors.Errorf("unknown parameter '%s'", k)
		}
	}
	return validateFormFiles(form)
}

func validateFormFiles(form *multipart.Form) error {
	check := make(map[string]bool)
	if form != nil {
		for k := range form.File {
			check[k] = true
		}
	}
	if !check[api.PrmFile] {
		return errors.New("no form file parameter 'file'")
	}
	delete(check, api.PrmFile)
	for k := range check {
		return errors.Errorf("unexpected form file parameters '%v'", k)
	}
	return nil
}

func takeFile(form *multipart.Form, paramName string) (multipart.File, *multipart.FileHeader, error) {
	handler := takeFirst(form.File[paramName], nil)
	if handler == nil {
		return nil, nil, http.ErrMissingFile
	}
	file, err := handler.Open()
	return file, handler, err
}

func takeFirst[K interface{}](a []K, d K) K {
	if len(a) > 0 {
		return a[0]
	}
	return d
}

func validateExt(kind, fileName string) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	if kind == api.KindMedia && !utils.SupportMediaExt(ext) {
		return fmt.Errorf("wrong media file extension: %s", ext)
	}
	if kind == api.KindText && !utils.SupportTextExt(ext) {
		return fmt.Errorf("wrong text file extension: %s", ext)
	}
	return nil
}
