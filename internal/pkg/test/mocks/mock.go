package mocks

import (
	"context"
	"io"

	"github.com/airenas/async-api/pkg/messages"
	"github.com/stretchr/testify/mock"

	lapi "github.com/VetSecItPro/clarus-app-sub007/internal/pkg/llm/api"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/transcriber/api"
)

// Filer is minio mock
type Filer struct{ mock.Mock }

func (m *Filer) SaveFile(ctx context.Context, name string, r io.Reader, fileSize int64) error {
	args := m.Called(ctx, name, r, fileSize)
	return args.Error(0)
}

// LoadFile func mock
func (m *Filer) LoadFile(ctx context.Context, fileName string) (io.ReadSeekCloser, error) {
	args := m.Called(ctx, fileName)
	return to[io.ReadSeekCloser](args.Get(0)), args.Error(1)
}

// LoadText func mock
func (m *Filer) LoadText(ctx context.Context, fileName string) (string, error) {
	args := m.Called(ctx, fileName)
	return args.String(0), args.Error(1)
}

// Clean func mock
func (m *Filer) Clean(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// DB is postgres DB mock
type DB struct{ mock.Mock }

func (m *DB) InsertContent(ctx context.Context, item *persistence.ContentItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *DB) LoadContent(ctx context.Context, id string) (*persistence.ContentItem, error) {
	args := m.Called(ctx, id)
	return to[*persistence.ContentItem](args.Get(0)), args.Error(1)
}

func (m *DB) LoadContentByJobRef(ctx context.Context, jobRef string) (*persistence.ContentItem, error) {
	args := m.Called(ctx, jobRef)
	return to[*persistence.ContentItem](args.Get(0)), args.Error(1)
}

func (m *DB) UpdateContent(ctx context.Context, item *persistence.ContentItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *DB) UpsertAnalysisResult(ctx context.Context, item *persistence.AnalysisResult) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *DB) LoadAnalysisResults(ctx context.Context, contentID string) ([]*persistence.AnalysisResult, error) {
	args := m.Called(ctx, contentID)
	return to[[]*persistence.AnalysisResult](args.Get(0)), args.Error(1)
}

func (m *DB) EnsureQuota(ctx context.Context, ownerID, feature, period string, limit int) error {
	args := m.Called(ctx, ownerID, feature, period, limit)
	return args.Error(0)
}

func (m *DB) TryIncrementQuota(ctx context.Context, ownerID, feature, period string) (bool, error) {
	args := m.Called(ctx, ownerID, feature, period)
	return args.Bool(0), args.Error(1)
}

func (m *DB) LoadQuota(ctx context.Context, ownerID, feature, period string) (*persistence.QuotaCounter, error) {
	args := m.Called(ctx, ownerID, feature, period)
	return to[*persistence.QuotaCounter](args.Get(0)), args.Error(1)
}

func (m *DB) LoadPlanLimit(ctx context.Context, ownerID, feature string) (int, error) {
	args := m.Called(ctx, ownerID, feature)
	return args.Int(0), args.Error(1)
}

func (m *DB) LockEmailTable(ctx context.Context, id, informType string) error {
	args := m.Called(ctx, id, informType)
	return args.Error(0)
}

func (m *DB) UnLockEmailTable(ctx context.Context, id, informType string, value *int) error {
	args := m.Called(ctx, id, informType, value)
	return args.Error(0)
}

// Sender is postgres queue mock
type Sender struct{ mock.Mock }

func (m *Sender) SendMessage(ctx context.Context, msg messages.Message, queue string) error {
	args := m.Called(ctx, msg, queue)
	return args.Error(0)
}

// Transcriber is transcription client mock
type Transcriber struct{ mock.Mock }

func (m *Transcriber) Upload(ctx context.Context, data *api.UploadData) (string, error) {
	args := m.Called(ctx, data)
	return args.String(0), args.Error(1)
}

func (m *Transcriber) Clean(ctx context.Context, ID string) error {
	args := m.Called(ctx, ID)
	return args.Error(0)
}

// Completer is LLM client mock
type Completer struct{ mock.Mock }

func (m *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

// CompleterProvider is consul based provider mock
type CompleterProvider struct{ mock.Mock }

func (m *CompleterProvider) Get(srv string, allowNew bool) (lapi.Completer, string, error) {
	args := m.Called(srv, allowNew)
	return to[lapi.Completer](args.Get(0)), args.String(1), args.Error(2)
}

// To casts a recorded mock argument, nil maps to the zero value
func To[T interface{}](val interface{}) T {
	return to[T](val)
}

func to[T interface{}](val interface{}) T {
	if val == nil {
		var res T
		return res
	}
	return val.(T)
}
