package inform

import (
	"fmt"
	"testing"

	"github.com/airenas/async-api/pkg/inform"
	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vgarvardt/gue/v5"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/test"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/test/mocks"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"
)

var (
	dbMock     *mocks.DB
	senderMock *mockEmailSender
	makerMock  *mockEmailMaker
	srvData    *ServiceData
)

func initTest(t *testing.T) {
	dbMock = &mocks.DB{}
	senderMock = &mockEmailSender{}
	makerMock = &mockEmailMaker{}
	srvData = &ServiceData{DB: dbMock, GueClient: &gue.Client{}, WorkerCount: 10, EmailSender: senderMock,
		EmailMaker: makerMock, Location: nil}
	dbMock.On("LoadContent", mock.Anything, "1").Return(&persistence.ContentItem{ID: "1",
		Kind: "text", Email: utils.ToSQLStr("o@o.lt")}, nil)
	dbMock.On("LockEmailTable", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	dbMock.On("UnLockEmailTable", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	senderMock.On("Send", mock.Anything).Return(nil)
	makerMock.On("Make", mock.Anything).Return(&email.Email{From: "o@o.lt", Text: []byte("text")}, nil)
}

func testInformMsg(tp string) *amessages.InformMessage {
	return &amessages.InformMessage{QueueMessage: amessages.QueueMessage{ID: "1"}, Type: tp}
}

func Test_handleInform(t *testing.T) {
	initTest(t)
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFinished), srvData)
	assert.Nil(t, err)
	require.Equal(t, 3, len(dbMock.Calls))
	assert.Equal(t, amessages.InformTypeFinished, dbMock.Calls[1].Arguments[2])
	assert.Equal(t, amessages.InformTypeFinished, dbMock.Calls[2].Arguments[2])
	unlock := dbMock.Calls[2].Arguments[3].(*int)
	assert.Equal(t, 2, *unlock)
}

func Test_handleInform_Failed(t *testing.T) {
	initTest(t)
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFailed), srvData)
	assert.Nil(t, err)
	require.Equal(t, 1, len(senderMock.Calls))
}

func Test_handleInform_NoEmail(t *testing.T) {
	initTest(t)
	dbMock.ExpectedCalls = nil
	dbMock.On("LoadContent", mock.Anything, "1").Return(&persistence.ContentItem{ID: "1",
		Kind: "text"}, nil)
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFinished), srvData)
	assert.Nil(t, err)
	senderMock.AssertNotCalled(t, "Send", mock.Anything)
	dbMock.AssertNotCalled(t, "LockEmailTable", mock.Anything, mock.Anything, mock.Anything)
}

func Test_handleInform_NoContent(t *testing.T) {
	initTest(t)
	dbMock.ExpectedCalls = nil
	dbMock.On("LoadContent", mock.Anything, "1").Return(nil, nil)
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFinished), srvData)
	assert.Nil(t, err)
	senderMock.AssertNotCalled(t, "Send", mock.Anything)
}

func Test_handleInform_FailDB(t *testing.T) {
	initTest(t)
	dbMock.ExpectedCalls = nil
	dbMock.On("LoadContent", mock.Anything, "1").Return(nil, fmt.Errorf("err"))
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFinished), srvData)
	assert.NotNil(t, err)
}

func Test_handleInform_FailMaker(t *testing.T) {
	initTest(t)
	makerMock.ExpectedCalls = nil
	makerMock.On("Make", mock.Anything).Return(nil, fmt.Errorf("err"))
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFinished), srvData)
	assert.NotNil(t, err)
}

func Test_handleInform_FailLock(t *testing.T) {
	initTest(t)
	dbMock.ExpectedCalls = nil
	dbMock.On("LoadContent", mock.Anything, "1").Return(&persistence.ContentItem{ID: "1",
		Kind: "text", Email: utils.ToSQLStr("o@o.lt")}, nil)
	dbMock.On("LockEmailTable", mock.Anything, mock.Anything, mock.Anything).Return(fmt.Errorf("locked"))
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFinished), srvData)
	assert.NotNil(t, err)
	senderMock.AssertNotCalled(t, "Send", mock.Anything)
}

func Test_handleInform_FailSender(t *testing.T) {
	initTest(t)
	senderMock.ExpectedCalls = nil
	senderMock.On("Send", mock.Anything).Return(fmt.Errorf("err"))
	err := handleInform(test.Ctx(t), testInformMsg(amessages.InformTypeFinished), srvData)
	assert.NotNil(t, err)
	require.Equal(t, 3, len(dbMock.Calls))
	unlock := dbMock.Calls[2].Arguments[3].(*int)
	assert.Equal(t, 0, *unlock)
}

func Test_validate(t *testing.T) {
	initTest(t)
	type args struct {
		data *ServiceData
	}
	tests := []struct {
		name    string
		args    args
		wantErr bool
	}{
		{name: "OK", args: args{data: &ServiceData{DB: dbMock, GueClient: &gue.Client{}, WorkerCount: 10,
			EmailSender: senderMock, EmailMaker: makerMock}}, wantErr: false},
		{name: "Fail DB", args: args{data: &ServiceData{GueClient: &gue.Client{}, WorkerCount: 10,
			EmailSender: senderMock, EmailMaker: makerMock}}, wantErr: true},
		{name: "Fail gue", args: args{data: &ServiceData{DB: dbMock, WorkerCount: 10,
			EmailSender: senderMock, EmailMaker: makerMock}}, wantErr: true},
		{name: "Fail count", args: args{data: &ServiceData{DB: dbMock, GueClient: &gue.Client{},
			EmailSender: senderMock, EmailMaker: makerMock}}, wantErr: true},
		{name: "Fail sender", args: args{data: &ServiceData{DB: dbMock, GueClient: &gue.Client{},
			WorkerCount: 10, EmailMaker: makerMock}}, wantErr: true},
		{name: "Fail maker", args: args{data: &ServiceData{DB: dbMock, GueClient: &gue.Client{},
			WorkerCount: 10, EmailSender: senderMock}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validate(tt.args.data); (err != nil) != tt.wantErr {
				t.Errorf("StartWorkerService() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type mockEmailSender struct{ mock.Mock }

func (m *mockEmailSender) Send(email *email.Email) error {
	args := m.Called(email)
	return args.Error(0)
}

type mockEmailMaker struct{ mock.Mock }

func (m *mockEmailMaker) Make(data *inform.Data) (*email.Email, error) {
	args := m.Called(data)
	return mocks.To[*email.Email](args.Get(0)), args.Error(1)
}
