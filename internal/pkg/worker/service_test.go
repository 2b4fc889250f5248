package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vgarvardt/gue/v5"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/api"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/messages"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/quota"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/status"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/test"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/test/mocks"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"
)

var (
	filerMock       *mocks.Filer
	dbMock          *mocks.DB
	senderMock      *mocks.Sender
	transcriberMock *mocks.Transcriber
	completerMock   *mocks.Completer
	providerMock    *mocks.CompleterProvider
	quotaMock       *mockQuota
	srvData         *ServiceData
)

// stageJSON decodes into every stage payload, unknown fields are ignored
const stageJSON = `{"summary":"s","topics":["t"],"points":["p"],"claims":[]}`

func initTest(t *testing.T) {
	filerMock = &mocks.Filer{}
	dbMock = &mocks.DB{}
	senderMock = &mocks.Sender{}
	transcriberMock = &mocks.Transcriber{}
	completerMock = &mocks.Completer{}
	providerMock = &mocks.CompleterProvider{}
	quotaMock = &mockQuota{}
	srvData = &ServiceData{DB: dbMock, GueClient: &gue.Client{}, WorkerCount: 10, MsgSender: senderMock,
		Filer: filerMock, Transcriber: transcriberMock, Quota: quotaMock, Completers: providerMock,
		ModelService: "llm", Testing: true}

	dbMock.On("UpdateContent", mock.Anything, mock.Anything).Return(nil)
	dbMock.On("UpsertAnalysisResult", mock.Anything, mock.Anything).Return(nil)
	dbMock.On("LoadAnalysisResults", mock.Anything, mock.Anything).Return(nil, nil)
	senderMock.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	transcriberMock.On("Upload", mock.Anything, mock.Anything).Return("ext-1", nil)
	transcriberMock.On("Clean", mock.Anything, mock.Anything).Return(nil)
	filerMock.On("LoadFile", mock.Anything, mock.Anything).Return(nopRSC{strings.NewReader("olia")}, nil)
	filerMock.On("LoadText", mock.Anything, mock.Anything).Return("some text", nil)
	completerMock.On("Complete", mock.Anything, mock.Anything).Return(stageJSON, nil)
	providerMock.On("Get", mock.Anything, mock.Anything).Return(completerMock, "model-x", nil)
	quotaMock.On("TryConsume", mock.Anything, mock.Anything, mock.Anything).
		Return(&quota.Result{Allowed: true, Used: 1, Limit: 10, Remaining: 9}, nil)
}

func pendingText() *persistence.ContentItem {
	return &persistence.ContentItem{ID: "1", OwnerID: "o1", Kind: api.KindText,
		Status: status.Pending.String(), SourceName: utils.ToSQLStr("file.txt"),
		Email: utils.ToSQLStr("a@a.com")}
}

func pendingMedia() *persistence.ContentItem {
	res := pendingText()
	res.Kind = api.KindMedia
	res.SourceName = utils.ToSQLStr("file.mp3")
	return res
}

func testMsg() *messages.PipelineMessage {
	return &messages.PipelineMessage{QueueMessage: amessages.QueueMessage{ID: "1"}}
}

func Test_handleTranscribe(t *testing.T) {
	initTest(t)
	item := pendingMedia()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleTranscribe(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Transcribing.String(), item.Status)
	assert.Equal(t, "ext-1", item.ExternalJobRef.String)
	senderMock.AssertCalled(t, "SendMessage", mock.Anything, mock.Anything, messages.StatusChange)
}

func Test_handleTranscribe_NoContent(t *testing.T) {
	initTest(t)
	dbMock.On("LoadContent", mock.Anything, "1").Return(nil, nil)
	err := handleTranscribe(test.Ctx(t), testMsg(), srvData)
	assert.Nil(t, err)
	transcriberMock.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
}

func Test_handleTranscribe_AlreadyUploaded(t *testing.T) {
	initTest(t)
	item := pendingMedia()
	item.Status = status.Transcribing.String()
	item.ExternalJobRef = utils.ToSQLStr("ext-1")
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleTranscribe(test.Ctx(t), testMsg(), srvData)
	assert.Nil(t, err)
	transcriberMock.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	dbMock.AssertNotCalled(t, "UpdateContent", mock.Anything, mock.Anything)
}

func Test_handleTranscribe_WrongKind(t *testing.T) {
	initTest(t)
	dbMock.On("LoadContent", mock.Anything, "1").Return(pendingText(), nil)
	err := handleTranscribe(test.Ctx(t), testMsg(), srvData)
	var nrErr *utils.ErrNonRetryable
	assert.ErrorAs(t, err, &nrErr)
}

func Test_handleTranscribe_UploadFails(t *testing.T) {
	initTest(t)
	dbMock.On("LoadContent", mock.Anything, "1").Return(pendingMedia(), nil)
	transcriberMock.ExpectedCalls = nil
	transcriberMock.On("Upload", mock.Anything, mock.Anything).Return("", fmt.Errorf("olia"))
	err := handleTranscribe(test.Ctx(t), testMsg(), srvData)
	assert.NotNil(t, err)
	dbMock.AssertNotCalled(t, "UpdateContent", mock.Anything, mock.Anything)
}

func Test_handleAnalyze(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Completed.String(), item.Status)
	assert.Equal(t, int32(1), item.AnalysisAttempt)
	assert.Equal(t, 3, len(completerMock.Calls))
	for _, c := range dbMock.Calls {
		if c.Method == "UpsertAnalysisResult" {
			res := mocks.To[*persistence.AnalysisResult](c.Arguments[1])
			assert.Equal(t, resAnalyzed, res.Status)
			assert.NotEmpty(t, res.Payload)
			assert.True(t, res.RawDigest.Valid)
		}
	}
	senderMock.AssertCalled(t, "SendMessage", mock.Anything, mock.Anything, messages.Inform)
}

func Test_handleAnalyze_MediaUsesTranscript(t *testing.T) {
	initTest(t)
	item := pendingMedia()
	item.Status = status.Analyzing.String()
	item.TranscriptReady = true
	item.ExternalJobRef = utils.ToSQLStr("ext-1")
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Completed.String(), item.Status)
	filerMock.AssertCalled(t, "LoadText", mock.Anything, "1/transcript.txt")
	transcriberMock.AssertCalled(t, "Clean", mock.Anything, "ext-1")
}

func Test_handleAnalyze_QuotaDenied(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	quotaMock.ExpectedCalls = nil
	quotaMock.On("TryConsume", mock.Anything, mock.Anything, mock.Anything).
		Return(&quota.Result{Allowed: false, Used: 10, Limit: 10}, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Failed.String(), item.Status)
	assert.Equal(t, status.ECQuota.String(), item.ErrorCode.String)
	completerMock.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func Test_handleAnalyze_QuotaStoreFails(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	quotaMock.ExpectedCalls = nil
	quotaMock.On("TryConsume", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("olia"))

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	assert.NotNil(t, err)
	assert.Equal(t, status.Pending.String(), item.Status)
	completerMock.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func Test_handleAnalyze_SkipQuotaOnRetry(t *testing.T) {
	initTest(t)
	item := pendingText()
	item.Status = status.Analyzing.String()
	item.AnalysisAttempt = 1
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	quotaMock.AssertNotCalled(t, "TryConsume", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, status.Completed.String(), item.Status)
}

func Test_handleAnalyze_RetryExhausted(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	completerMock.ExpectedCalls = nil
	completerMock.On("Complete", mock.Anything, mock.Anything).Return("", fmt.Errorf("olia"))

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Failed.String(), item.Status)
	assert.Equal(t, status.ECNotStarted.String(), item.ErrorCode.String)
	assert.Equal(t, int32(analysisAttempts), item.AnalysisAttempt)
	assert.Equal(t, analysisAttempts, len(completerMock.Calls))
}

func Test_handleAnalyze_ChargedOnceAcrossDeliveries(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	filerMock.ExpectedCalls = removeCall(filerMock.ExpectedCalls, "LoadText")
	filerMock.On("LoadText", mock.Anything, mock.Anything).Return("", fmt.Errorf("olia")).Once()
	filerMock.On("LoadText", mock.Anything, mock.Anything).Return("some text", nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	assert.NotNil(t, err)
	// the charge marker is already durable, a redelivery must not pay again
	assert.Equal(t, int32(1), item.AnalysisAttempt)

	err = handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Completed.String(), item.Status)
	quotaMock.AssertNumberOfCalls(t, "TryConsume", 1)
}

func Test_handleAnalyze_RetryRedoesMissingStagesOnly(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	completerMock.ExpectedCalls = nil
	completerMock.On("Complete", mock.Anything, mock.Anything).Return(stageJSON, nil).Once()
	completerMock.On("Complete", mock.Anything, mock.Anything).Return("", fmt.Errorf("olia")).Once()
	completerMock.On("Complete", mock.Anything, mock.Anything).Return(stageJSON, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Completed.String(), item.Status)
	// first pass: one saved, one failed; second pass redoes the two missing stages
	assert.Equal(t, 4, len(completerMock.Calls))
	assert.Equal(t, int32(2), item.AnalysisAttempt)
	upserts := 0
	for _, c := range dbMock.Calls {
		if c.Method == "UpsertAnalysisResult" {
			upserts++
		}
	}
	assert.Equal(t, 3, upserts)
}

func Test_handleAnalyze_NoCompleter(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	providerMock.ExpectedCalls = nil
	providerMock.On("Get", mock.Anything, mock.Anything).Return(nil, "", fmt.Errorf("olia"))

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	assert.NotNil(t, err)
	var nrErr *utils.ErrNonRetryable
	assert.False(t, errors.As(err, &nrErr))
	completerMock.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func Test_handleAnalyze_BadOutput(t *testing.T) {
	initTest(t)
	item := pendingText()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	completerMock.ExpectedCalls = nil
	completerMock.On("Complete", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "claims")
	})).Return("no json here", nil)
	completerMock.On("Complete", mock.Anything, mock.Anything).Return(stageJSON, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Failed.String(), item.Status)
	assert.Equal(t, status.ECBadOutput.String(), item.ErrorCode.String)
	// other stage rows are still saved
	upserts := 0
	for _, c := range dbMock.Calls {
		if c.Method == "UpsertAnalysisResult" {
			upserts++
		}
	}
	assert.Equal(t, 3, upserts)
}

func Test_handleAnalyze_SkipsDoneStages(t *testing.T) {
	initTest(t)
	item := pendingText()
	item.Status = status.Analyzing.String()
	item.AnalysisAttempt = 1
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)
	dbMock.ExpectedCalls = removeCall(dbMock.ExpectedCalls, "LoadAnalysisResults")
	dbMock.On("LoadAnalysisResults", mock.Anything, mock.Anything).Return(
		[]*persistence.AnalysisResult{{ContentID: "1", Stage: api.StageOverview, Status: resAnalyzed}}, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	require.Nil(t, err)
	assert.Equal(t, 2, len(completerMock.Calls))
	assert.Equal(t, status.Completed.String(), item.Status)
}

func Test_handleAnalyze_Terminal(t *testing.T) {
	initTest(t)
	item := pendingText()
	item.Status = status.Completed.String()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleAnalyze(test.Ctx(t), testMsg(), srvData)
	assert.Nil(t, err)
	completerMock.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	quotaMock.AssertNotCalled(t, "TryConsume", mock.Anything, mock.Anything, mock.Anything)
}

func Test_handleFailure(t *testing.T) {
	initTest(t)
	item := pendingText()
	item.Status = status.Analyzing.String()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleFailure(test.Ctx(t), &messages.FailMessage{
		QueueMessage: amessages.QueueMessage{ID: "1"}, Error: "olia"}, srvData)
	require.Nil(t, err)
	assert.Equal(t, status.Failed.String(), item.Status)
	assert.Equal(t, "olia", item.LastError.String)
	assert.Equal(t, status.ECServiceError.String(), item.ErrorCode.String)
}

func Test_handleFailure_Terminal(t *testing.T) {
	initTest(t)
	item := pendingText()
	item.Status = status.Failed.String()
	dbMock.On("LoadContent", mock.Anything, "1").Return(item, nil)

	err := handleFailure(test.Ctx(t), &messages.FailMessage{
		QueueMessage: amessages.QueueMessage{ID: "1"}, Error: "olia"}, srvData)
	assert.Nil(t, err)
	dbMock.AssertNotCalled(t, "UpdateContent", mock.Anything, mock.Anything)
}

func Test_failureHandler(t *testing.T) {
	initTest(t)
	fh := failureHandler(srvData)

	retry, _, err := fh(context.Background(), testMsg(), fmt.Errorf("olia"), &gue.Job{ErrorCount: 1})
	assert.True(t, retry)
	assert.Nil(t, err)
	senderMock.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)

	retry, _, err = fh(context.Background(), testMsg(), fmt.Errorf("olia"), &gue.Job{ErrorCount: 5})
	assert.False(t, retry)
	assert.Nil(t, err)
	senderMock.AssertCalled(t, "SendMessage", mock.Anything, mock.Anything, messages.WorkFail)
}

func Test_failureHandler_NonRetryable(t *testing.T) {
	initTest(t)
	fh := failureHandler(srvData)
	retry, _, err := fh(context.Background(), testMsg(),
		utils.NewErrNonRetryable(fmt.Errorf("olia")), &gue.Job{ErrorCount: 0})
	assert.False(t, retry)
	assert.Nil(t, err)
	senderMock.AssertCalled(t, "SendMessage", mock.Anything, mock.Anything, messages.WorkFail)
}

func Test_parseStage(t *testing.T) {
	tests := []struct {
		name    string
		stage   string
		raw     string
		wantErr bool
	}{
		{name: "Overview", stage: api.StageOverview, raw: `{"summary":"s"}`, wantErr: false},
		{name: "Overview empty", stage: api.StageOverview, raw: `{"summary":""}`, wantErr: true},
		{name: "Key points", stage: api.StageKeyPoints, raw: `{"points":["a"]}`, wantErr: false},
		{name: "Key points empty", stage: api.StageKeyPoints, raw: `{"points":[]}`, wantErr: true},
		{name: "Fact check", stage: api.StageFactCheck, raw: `{"claims":[]}`, wantErr: false},
		{name: "Fenced", stage: api.StageOverview, raw: "```json\n{\"summary\":\"s\"}\n```", wantErr: false},
		{name: "Garbage", stage: api.StageOverview, raw: "olia", wantErr: true},
		{name: "Unknown stage", stage: "olia", raw: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseStage(tt.stage, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseStage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func Test_validate(t *testing.T) {
	initTest(t)
	tests := []struct {
		name    string
		prepare func(d *ServiceData)
		wantErr bool
	}{
		{name: "OK", prepare: func(d *ServiceData) {}, wantErr: false},
		{name: "Fail gue", prepare: func(d *ServiceData) { d.GueClient = nil }, wantErr: true},
		{name: "Fail count", prepare: func(d *ServiceData) { d.WorkerCount = 0 }, wantErr: true},
		{name: "Fail sender", prepare: func(d *ServiceData) { d.MsgSender = nil }, wantErr: true},
		{name: "Fail db", prepare: func(d *ServiceData) { d.DB = nil }, wantErr: true},
		{name: "Fail filer", prepare: func(d *ServiceData) { d.Filer = nil }, wantErr: true},
		{name: "Fail transcriber", prepare: func(d *ServiceData) { d.Transcriber = nil }, wantErr: true},
		{name: "Fail quota", prepare: func(d *ServiceData) { d.Quota = nil }, wantErr: true},
		{name: "Fail completers", prepare: func(d *ServiceData) { d.Completers = nil }, wantErr: true},
		{name: "Fail model", prepare: func(d *ServiceData) { d.ModelService = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initTest(t)
			tt.prepare(srvData)
			if err := validate(srvData); (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func removeCall(calls []*mock.Call, method string) []*mock.Call {
	res := make([]*mock.Call, 0, len(calls))
	for _, c := range calls {
		if c.Method != method {
			res = append(res, c)
		}
	}
	return res
}

type nopRSC struct{ *strings.Reader }

func (nopRSC) Close() error { return nil }

type mockQuota struct{ mock.Mock }

func (m *mockQuota) TryConsume(ctx context.Context, ownerID, feature string) (*quota.Result, error) {
	args := m.Called(ctx, ownerID, feature)
	return mocks.To[*quota.Result](args.Get(0)), args.Error(1)
}
