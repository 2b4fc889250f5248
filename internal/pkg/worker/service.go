package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/vgarvardt/gue/v5"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/api"
	lapi "github.com/VetSecItPro/clarus-app-sub007/internal/pkg/llm/api"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/messages"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/quota"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/repair"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/retry"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/status"
	tapi "github.com/VetSecItPro/clarus-app-sub007/internal/pkg/transcriber/api"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils/handler"
)

// MsgSender provides send msg functionality
type MsgSender interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// DB provides persistence functionality
type DB interface {
	LoadContent(ctx context.Context, id string) (*persistence.ContentItem, error)
	UpdateContent(ctx context.Context, item *persistence.ContentItem) error
	UpsertAnalysisResult(ctx context.Context, item *persistence.AnalysisResult) error
	LoadAnalysisResults(ctx context.Context, contentID string) ([]*persistence.AnalysisResult, error)
}

// Filer retrieves stored files
type Filer interface {
	LoadFile(ctx context.Context, fileName string) (io.ReadSeekCloser, error)
	LoadText(ctx context.Context, fileName string) (string, error)
}

// Transcriber provides external transcription
type Transcriber interface {
	Upload(ctx context.Context, data *tapi.UploadData) (string, error)
	Clean(ctx context.Context, ID string) error
}

// Quota charges usage before any paid work
type Quota interface {
	TryConsume(ctx context.Context, ownerID, feature string) (*quota.Result, error)
}

// CompleterProvider resolves a model completion client
type CompleterProvider interface {
	Get(srv string, allowNew bool) (lapi.Completer, string, error)
}

// ServiceData keeps data required for service work
type ServiceData struct {
	GueClient    *gue.Client
	WorkerCount  int
	MsgSender    MsgSender
	DB           DB
	Filer        Filer
	Transcriber  Transcriber
	Quota        Quota
	Completers   CompleterProvider
	ModelService string
	// RetryDelay is the completion retry schedule unit
	RetryDelay time.Duration
	Testing    bool
}

const (
	analysisAttempts = 3
	queueRetries     = 3
)

// resAnalyzed/resFailed are analysis_results row statuses
const (
	resAnalyzed = "COMPLETED"
	resFailed   = "FAILED"
)

// StartWorkerService starts the event queue listener service to listen for events
// returns channel for tracking if all jobs are finished
func StartWorkerService(ctx context.Context, data *ServiceData) (chan struct{}, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	goapp.Log.Info().Int("workers", data.WorkerCount).Msg("Starting listen for messages")
	if data.Testing {
		goapp.Log.Warn().Msg("SERVICE IN TEST MODE")
	}

	wm := gue.WorkMap{
		messages.WorkTranscribe: handler.Create(data, handleTranscribe,
			handler.DefaultOpts[messages.PipelineMessage]().WithFailure(failureHandler(data)).
				WithTimeout(time.Minute*30).WithBackoff(handler.DefaultBackoffOrTest(data.Testing))),
		messages.WorkAnalyze: handler.Create(data, handleAnalyze,
			handler.DefaultOpts[messages.PipelineMessage]().WithFailure(failureHandler(data)).
				WithTimeout(time.Minute*30).WithBackoff(handler.DefaultBackoffOrTest(data.Testing))),
		messages.WorkFail: handler.Create(data, handleFailure,
			handler.DefaultOpts[messages.FailMessage]().
				WithBackoff(handler.DefaultBackoffOrTest(data.Testing))),
	}

	pool, err := gue.NewWorkerPool(
		data.GueClient, wm, data.WorkerCount,
		gue.WithPoolQueue(messages.Work),
		gue.WithPoolLogger(utils.NewGueLoggerAdapter()),
		gue.WithPoolPollInterval(500*time.Millisecond),
		gue.WithPoolPollStrategy(gue.RunAtPollStrategy),
		gue.WithPoolID("analysis-worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("could not build gue workers pool: %w", err)
	}
	res := make(chan struct{}, 1)
	go func() {
		goapp.Log.Info().Msg("Starting workers")
		if err := pool.Run(ctx); err != nil {
			goapp.Log.Error().Err(err).Msg("pool error")
		}
		goapp.Log.Info().Msg("Pool workers finished")
		res <- struct{}{}
	}()
	return res, nil
}

// failureHandler routes exhausted or non retryable jobs to the fail queue
func failureHandler(data *ServiceData) func(context.Context, *messages.PipelineMessage, error, *gue.Job) (bool, time.Duration, error) {
	return func(ctx context.Context, m *messages.PipelineMessage, err error, j *gue.Job) (bool, time.Duration, error) {
		var nrErr *utils.ErrNonRetryable
		if !errors.As(err, &nrErr) && j.ErrorCount < queueRetries {
			return true, 0, nil
		}
		sendErr := data.MsgSender.SendMessage(ctx, &messages.FailMessage{
			QueueMessage: amessages.QueueMessage{ID: m.ID},
			Error:        err.Error(), ErrorCode: status.ECServiceError.String()}, messages.WorkFail)
		return false, 0, sendErr
	}
}

func handleTranscribe(ctx context.Context, m *messages.PipelineMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Msg("handling transcribe")
	item, err := data.DB.LoadContent(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("can't load content: %w", err)
	}
	if item == nil {
		goapp.Log.Warn().Str("ID", m.ID).Msg("no content - ignore")
		return nil
	}
	st := status.From(item.Status)
	if st.IsTerminal() || st == status.Analyzing {
		goapp.Log.Warn().Str("ID", m.ID).Str("status", item.Status).Msg("unexpected status - ignore")
		return nil
	}
	if st == status.Transcribing && item.ExternalJobRef.Valid {
		// a redelivery after the upload already happened
		goapp.Log.Info().Str("ID", m.ID).Msg("already uploaded - ignore")
		return nil
	}
	if item.Kind != api.KindMedia {
		return utils.NewErrNonRetryable(fmt.Errorf("wrong kind '%s' for transcribe", item.Kind))
	}

	if !item.ExternalJobRef.Valid {
		jobRef, err := upload(ctx, item, data)
		if err != nil {
			return fmt.Errorf("can't upload: %w", err)
		}
		item.ExternalJobRef = utils.ToSQLStr(jobRef)
	}
	item.Status = status.Transcribing.String()
	if err := data.DB.UpdateContent(ctx, item); err != nil {
		return fmt.Errorf("can't save content: %w", err)
	}
	sendStatusChange(ctx, data, m.ID)
	goapp.Log.Info().Str("ID", m.ID).Str("jobRef", item.ExternalJobRef.String).Msg("transcription requested")
	return nil
}

func upload(ctx context.Context, item *persistence.ContentItem, data *ServiceData) (string, error) {
	file, err := data.Filer.LoadFile(ctx, utils.MakeFileName(item.ID, utils.FromSQLStr(item.SourceName)))
	if err != nil {
		return "", fmt.Errorf("can't load file: %w", err)
	}
	defer file.Close()
	prm := map[string]string{}
	if item.Lang.Valid {
		prm[tapi.PrmLang] = item.Lang.String
	}
	return data.Transcriber.Upload(ctx, &tapi.UploadData{Params: prm,
		Files: map[string]io.Reader{utils.FromSQLStr(item.SourceName): file}})
}

// handleAnalyze runs the analysis stages for an item. Quota is charged
// exactly once before any completion call, a denied charge fails the item
// without consuming any paid work.
func handleAnalyze(ctx context.Context, m *messages.PipelineMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Msg("handling analyze")
	item, err := data.DB.LoadContent(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("can't load content: %w", err)
	}
	if item == nil {
		goapp.Log.Warn().Str("ID", m.ID).Msg("no content - ignore")
		return nil
	}
	st := status.From(item.Status)
	if st.IsTerminal() {
		goapp.Log.Info().Str("ID", m.ID).Str("status", item.Status).Msg("already finished - ignore")
		return nil
	}
	if st != status.Pending && st != status.Analyzing {
		goapp.Log.Warn().Str("ID", m.ID).Str("status", item.Status).Msg("unexpected status - ignore")
		return nil
	}

	if item.AnalysisAttempt == 0 {
		res, err := data.Quota.TryConsume(ctx, item.OwnerID, api.FeatureAnalysis)
		if err != nil {
			// a quota store failure is no verdict, the job comes back
			return fmt.Errorf("can't check quota: %w", err)
		}
		if !res.Allowed {
			return failItem(ctx, data, item,
				fmt.Sprintf("usage limit reached: %d of %d", res.Used, res.Limit), status.ECQuota)
		}
		// a persisted non zero attempt marks the item as charged,
		// a requeue must not consume another unit
		item.AnalysisAttempt = 1
		if err := data.DB.UpdateContent(ctx, item); err != nil {
			return fmt.Errorf("can't save content: %w", err)
		}
	}

	if st == status.Pending {
		if err := moveStatus(ctx, data, item, status.Analyzing); err != nil {
			return err
		}
	}

	text, err := loadText(ctx, item, data)
	if err != nil {
		return fmt.Errorf("can't load text: %w", err)
	}

	completer, model, err := data.Completers.Get(data.ModelService, true)
	if err != nil {
		return fmt.Errorf("can't get completer: %w", err)
	}
	goapp.Log.Info().Str("ID", m.ID).Str("model", model).Msg("analyzing")

	done, err := loadDoneStages(ctx, data, item.ID)
	if err != nil {
		return err
	}

	stageErrs, err := runStages(ctx, data, item, completer, text, done)
	if err != nil {
		var cErr *completionError
		if errors.As(err, &cErr) {
			// the model never answered within the attempt budget
			return failItem(ctx, data, item, fmt.Sprintf("can't get completion: %v", cErr.err),
				status.ECNotStarted)
		}
		return err
	}
	if stageErrs > 0 {
		return failItem(ctx, data, item, fmt.Sprintf("%d stage(s) with unusable output", stageErrs),
			status.ECBadOutput)
	}
	return finishItem(ctx, data, item)
}

// completionError marks an exhausted completion retry budget
type completionError struct {
	err error
}

func (e *completionError) Error() string { return e.err.Error() }
func (e *completionError) Unwrap() error { return e.err }

// runStages runs the missing stages, retrying the whole pass on a
// completion failure. Done stages are skipped on re-entry so a retry
// never redoes paid work. Every attempt is recorded on the item.
func runStages(ctx context.Context, data *ServiceData, item *persistence.ContentItem,
	completer lapi.Completer, text string, done map[string]bool) (int, error) {
	policy := retry.NewPolicy(analysisAttempts, retryDelayOrTest(data))
	stageErrs := 0
	var saveErr error
	err := policy.Do(ctx, func(attempt int) error {
		markAttempt(ctx, data, item, attempt)
		for _, stage := range api.Stages {
			if done[stage] {
				goapp.Log.Info().Str("ID", item.ID).Str("stage", stage).Msg("already done - skip")
				continue
			}
			raw, cErr := completer.Complete(ctx, stagePrompt(stage, text))
			if cErr != nil {
				goapp.Log.Warn().Err(cErr).Str("ID", item.ID).Str("stage", stage).
					Int("attempt", attempt).Msg("completion failed")
				return cErr
			}
			if sErr := saveStage(ctx, data, item.ID, stage, raw); sErr != nil {
				var stErr *stageError
				if !errors.As(sErr, &stErr) {
					saveErr = sErr
					return nil
				}
				// unusable output is stage local, it never restarts the item
				stageErrs++
			}
			done[stage] = true
		}
		return nil
	})
	if saveErr != nil {
		return 0, saveErr
	}
	if err != nil {
		return 0, &completionError{err: err}
	}
	return stageErrs, nil
}

// markAttempt persists the item level attempt counter, it only moves up
func markAttempt(ctx context.Context, data *ServiceData, item *persistence.ContentItem, attempt int) {
	if int32(attempt) <= item.AnalysisAttempt {
		return
	}
	item.AnalysisAttempt = int32(attempt)
	if err := data.DB.UpdateContent(ctx, item); err != nil {
		goapp.Log.Error().Err(err).Str("ID", item.ID).Msg("can't save attempt")
	}
}

// stageError marks unusable model output, a stage local problem
// that must not restart the whole item
type stageError struct {
	err error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// saveStage parses the raw model output and persists the stage row
func saveStage(ctx context.Context, data *ServiceData, id, stage, raw string) error {
	payload, pErr := parseStage(stage, raw)
	res := &persistence.AnalysisResult{ContentID: id, Stage: stage,
		RawDigest: utils.ToSQLStr(utils.Digest(raw))}
	if pErr != nil {
		goapp.Log.Warn().Err(pErr).Str("ID", id).Str("stage", stage).Msg("unusable output")
		res.Status = resFailed
		res.Error = utils.ToSQLStr(pErr.Error())
	} else {
		res.Status = resAnalyzed
		res.Payload = payload
	}
	if err := data.DB.UpsertAnalysisResult(ctx, res); err != nil {
		return fmt.Errorf("can't save result: %w", err)
	}
	if pErr != nil {
		return &stageError{err: pErr}
	}
	return nil
}

// parseStage decodes model output into the typed stage payload,
// repairing near-JSON answers before giving up
func parseStage(stage, raw string) ([]byte, error) {
	decode := func(v any) ([]byte, error) {
		repaired, err := repair.Decode(raw, v)
		if err != nil {
			return nil, err
		}
		if repaired {
			goapp.Log.Info().Str("stage", stage).Msg("output repaired")
		}
		return json.Marshal(v)
	}
	switch stage {
	case api.StageOverview:
		var v api.OverviewData
		b, err := decode(&v)
		if err == nil && v.Summary == "" {
			return nil, fmt.Errorf("no summary")
		}
		return b, err
	case api.StageKeyPoints:
		var v api.KeyPointsData
		b, err := decode(&v)
		if err == nil && len(v.Points) == 0 {
			return nil, fmt.Errorf("no points")
		}
		return b, err
	case api.StageFactCheck:
		var v api.FactCheckData
		return decode(&v)
	}
	return nil, fmt.Errorf("unknown stage '%s'", stage)
}

func loadText(ctx context.Context, item *persistence.ContentItem, data *ServiceData) (string, error) {
	name := utils.FromSQLStr(item.SourceName)
	if item.Kind == api.KindMedia {
		if !item.TranscriptReady {
			return "", utils.NewErrNonRetryable(fmt.Errorf("no transcript for '%s'", item.ID))
		}
		name = api.TranscriptFile
	}
	return data.Filer.LoadText(ctx, utils.MakeFileName(item.ID, name))
}

func loadDoneStages(ctx context.Context, data *ServiceData, id string) (map[string]bool, error) {
	results, err := data.DB.LoadAnalysisResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("can't load results: %w", err)
	}
	res := map[string]bool{}
	for _, r := range results {
		res[r.Stage] = r.Status == resAnalyzed
	}
	return res, nil
}

func finishItem(ctx context.Context, data *ServiceData, item *persistence.ContentItem) error {
	if err := moveStatus(ctx, data, item, status.Completed); err != nil {
		return err
	}
	sendInform(ctx, data, item, amessages.InformTypeFinished)
	cleanExternal(ctx, data, item)
	goapp.Log.Info().Str("ID", item.ID).Msg("analysis completed")
	return nil
}

func failItem(ctx context.Context, data *ServiceData, item *persistence.ContentItem, errStr string, code status.ErrCode) error {
	goapp.Log.Warn().Str("ID", item.ID).Str("code", code.String()).Str("error", errStr).Msg("failing item")
	item.LastError = utils.ToSQLStr(errStr)
	item.ErrorCode = utils.ToSQLStr(code.String())
	if err := moveStatus(ctx, data, item, status.Failed); err != nil {
		return err
	}
	sendInform(ctx, data, item, amessages.InformTypeFailed)
	cleanExternal(ctx, data, item)
	return nil
}

func moveStatus(ctx context.Context, data *ServiceData, item *persistence.ContentItem, to status.Status) error {
	from := status.From(item.Status)
	if !status.CanTransition(from, to) {
		return utils.NewErrNonRetryable(fmt.Errorf("can't move %s to %s", item.Status, to))
	}
	item.Status = to.String()
	if err := data.DB.UpdateContent(ctx, item); err != nil {
		return fmt.Errorf("can't save content: %w", err)
	}
	sendStatusChange(ctx, data, item.ID)
	return nil
}

func handleFailure(ctx context.Context, m *messages.FailMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Msg("handling failure")
	item, err := data.DB.LoadContent(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("can't load content: %w", err)
	}
	if item == nil || status.From(item.Status).IsTerminal() {
		goapp.Log.Info().Str("ID", m.ID).Msg("nothing to fail - ignore")
		return nil
	}
	code := status.ECServiceError.String()
	if m.ErrorCode != "" {
		code = m.ErrorCode
	}
	item.LastError = utils.ToSQLStr(m.Error)
	item.ErrorCode = utils.ToSQLStr(code)
	if err := moveStatus(ctx, data, item, status.Failed); err != nil {
		return err
	}
	sendInform(ctx, data, item, amessages.InformTypeFailed)
	return nil
}

func cleanExternal(ctx context.Context, data *ServiceData, item *persistence.ContentItem) {
	if item.Kind != api.KindMedia || !item.ExternalJobRef.Valid {
		return
	}
	if err := data.Transcriber.Clean(ctx, item.ExternalJobRef.String); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", item.ID).Msg("can't clean external data")
	}
}

func sendStatusChange(ctx context.Context, data *ServiceData, id string) {
	err := data.MsgSender.SendMessage(ctx, &messages.PipelineMessage{
		QueueMessage: amessages.QueueMessage{ID: id}}, messages.StatusChange)
	if err != nil {
		goapp.Log.Error().Err(err).Msg("can't send status change msg")
	}
}

func sendInform(ctx context.Context, data *ServiceData, item *persistence.ContentItem, informType string) {
	if !item.Email.Valid || item.Email.String == "" {
		return
	}
	err := data.MsgSender.SendMessage(ctx, &amessages.InformMessage{
		QueueMessage: amessages.QueueMessage{ID: item.ID},
		Type:         informType, At: time.Now()}, messages.Inform)
	if err != nil {
		goapp.Log.Error().Err(err).Msg("can't send inform msg")
	}
}

func retryDelayOrTest(data *ServiceData) time.Duration {
	if data.Testing {
		return 0
	}
	if data.RetryDelay > 0 {
		return data.RetryDelay
	}
	return time.Second
}

func validate(data *ServiceData) error {
	if data.GueClient == nil {
		return fmt.Errorf("no gue client")
	}
	if data.WorkerCount < 1 {
		return fmt.Errorf("no worker count provided")
	}
	if data.MsgSender == nil {
		return fmt.Errorf("no msg sender")
	}
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	if data.Filer == nil {
		return fmt.Errorf("no Filer")
	}
	if data.Transcriber == nil {
		return fmt.Errorf("no Transcriber")
	}
	if data.Quota == nil {
		return fmt.Errorf("no Quota")
	}
	if data.Completers == nil {
		return fmt.Errorf("no Completers")
	}
	if data.ModelService == "" {
		return fmt.Errorf("no model service name")
	}
	return nil
}
