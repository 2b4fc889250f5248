package webhook

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/grace/gracehttp"
	"github.com/pkg/errors"

	"github.com/airenas/go-app/pkg/goapp"
	amessages "github.com/airenas/async-api/pkg/messages"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/api"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/messages"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/status"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"
)

// DB provides content records for callback correlation
type DB interface {
	LoadContentByJobRef(ctx context.Context, jobRef string) (*persistence.ContentItem, error)
	UpdateContent(ctx context.Context, item *persistence.ContentItem) error
}

// FileSaver saves the received transcript
type FileSaver interface {
	SaveFile(ctx context.Context, name string, r io.Reader, fileSize int64) error
}

// MsgSender sends messages to queue
type MsgSender interface {
	SendMessage(ctx context.Context, msg amessages.Message, queue string) error
}

// Data keeps data required for service work
type Data struct {
	Port      int
	DB        DB
	Filer     FileSaver
	MsgSender MsgSender
	Verifier  Verifier
}

// event is the transcription provider callback payload
type event struct {
	JobRef     string `json:"jobRef"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

const evDone = "done"

// StartWebServer starts echo web service
func StartWebServer(data *Data) error {
	goapp.Log.Info().Int("port", data.Port).Msg("Starting HTTP CLARUS webhook service")
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

func validate(data *Data) error {
	if data.DB == nil {
		return errors.New("no db")
	}
	if data.Filer == nil {
		return errors.New("no filer")
	}
	if data.MsgSender == nil {
		return errors.New("no msg sender")
	}
	if data.Verifier == nil {
		return errors.New("no verifier")
	}
	return nil
}

var promMdlw *prometheus.Prometheus

func init() {
	promMdlw = prometheus.NewPrometheus("clarus_webhook", nil)
}

func initRoutes(data *Data) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	promMdlw.Use(e)

	e.POST("/transcription/event", handleEvent(data))
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

func handleEvent(data *Data) func(echo.Context) error {
	return func(c echo.Context) error {
		defer goapp.Estimate("transcription event method")()

		// auth happens before any data access
		if !data.Verifier.Verify(callbackSecret(c)) {
			goapp.Log.Warn().Msg("Callback auth failed")
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid secret")
		}

		var ev event
		if err := c.Bind(&ev); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusBadRequest, "Can't decode event")
		}
		if ev.JobRef == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "No jobRef")
		}

		ctx := c.Request().Context()
		item, err := data.DB.LoadContentByJobRef(ctx, ev.JobRef)
		if err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Can't load content")
		}
		if item == nil {
			goapp.Log.Warn().Str("jobRef", ev.JobRef).Msg("Unknown job ref")
			return echo.NewHTTPError(http.StatusBadRequest, "Unknown jobRef")
		}
		// a duplicate or late event finds the item past transcribing - drop it
		if status.From(item.Status) != status.Transcribing || item.Kind != api.KindMedia {
			goapp.Log.Warn().Str("ID", item.ID).Str("status", item.Status).Msg("Unexpected event, skipping")
			return echo.NewHTTPError(http.StatusConflict, "Not transcribing")
		}

		goapp.Log.Info().Str("ID", item.ID).Str("status", ev.Status).Msg("Transcription event")
		if ev.Status != evDone || strings.TrimSpace(ev.Transcript) == "" {
			if err := failItem(ctx, data, item, failReason(&ev)); err != nil {
				goapp.Log.Error().Err(err).Send()
				return echo.NewHTTPError(http.StatusInternalServerError, "Can't save failure")
			}
			return c.JSONBlob(http.StatusOK, []byte(`{"accepted":true}`))
		}

		if err := finishTranscription(ctx, data, item, ev.Transcript); err != nil {
			goapp.Log.Error().Err(err).Send()
			return echo.NewHTTPError(http.StatusInternalServerError, "Can't save transcript")
		}
		return c.JSONBlob(http.StatusOK, []byte(`{"accepted":true}`))
	}
}

func callbackSecret(c echo.Context) string {
	if s := c.QueryParam("secret"); s != "" {
		return s
	}
	return c.Request().Header.Get("X-Callback-Secret")
}

func failReason(ev *event) string {
	if ev.Status != evDone && ev.Error != "" {
		return ev.Error
	}
	if ev.Status != evDone {
		return "transcription failed"
	}
	return "empty transcript"
}

func failItem(ctx context.Context, data *Data, item *persistence.ContentItem, reason string) error {
	item.Status = status.Failed.String()
	item.LastError = utils.ToSQLStr(reason)
	item.ErrorCode = utils.ToSQLStr(status.ECTranscription.String())
	if err := data.DB.UpdateContent(ctx, item); err != nil {
		return errors.Wrap(err, "can't update content")
	}
	sendStatusChange(ctx, data, item.ID)
	sendInform(ctx, data, item)
	return nil
}

func finishTranscription(ctx context.Context, data *Data, item *persistence.ContentItem, transcript string) error {
	fn := utils.MakeFileName(item.ID, api.TranscriptFile)
	if err := data.Filer.SaveFile(ctx, fn, strings.NewReader(transcript), int64(len(transcript))); err != nil {
		return errors.Wrap(err, "can't save transcript")
	}
	item.TranscriptReady = true
	item.Status = status.Analyzing.String()
	if err := data.DB.UpdateContent(ctx, item); err != nil {
		return errors.Wrap(err, "can't update content")
	}
	msg := &messages.PipelineMessage{QueueMessage: amessages.QueueMessage{ID: item.ID}}
	if err := data.MsgSender.SendMessage(ctx, msg, messages.WorkAnalyze); err != nil {
		return errors.Wrap(err, "can't send analyze msg")
	}
	sendStatusChange(ctx, data, item.ID)
	return nil
}

func sendStatusChange(ctx context.Context, data *Data, id string) {
	msg := &messages.PipelineMessage{QueueMessage: amessages.QueueMessage{ID: id}}
	if err := data.MsgSender.SendMessage(ctx, msg, messages.StatusChange); err != nil {
		goapp.Log.Error().Err(err).Msg("can't send status change msg")
	}
}

func sendInform(ctx context.Context, data *Data, item *persistence.ContentItem) {
	if !item.Email.Valid || item.Email.String == "" {
		return
	}
	msg := &amessages.InformMessage{QueueMessage: amessages.QueueMessage{ID: item.ID},
		Type: amessages.InformTypeFailed, At: time.Now()}
	if err := data.MsgSender.SendMessage(ctx, msg, messages.Inform); err != nil {
		goapp.Log.Error().Err(err).Msg("can't send inform msg")
	}
}
