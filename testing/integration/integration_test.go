//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type config struct {
	ingestURL  string
	statusURL  string
	webhookURL string
	dbURL      string
	httpclient *http.Client
}

var cfg config

func TestMain(m *testing.M) {
	cfg.ingestURL = GetEnvOrFail("INGEST_URL")
	cfg.statusURL = GetEnvOrFail("STATUS_URL")
	cfg.webhookURL = GetEnvOrFail("WEBHOOK_URL")
	cfg.dbURL = GetEnvOrFail("DB_URL")
	cfg.httpclient = &http.Client{Timeout: time.Second * 30}

	tCtx, cf := context.WithTimeout(context.Background(), time.Second*20)
	defer cf()
	WaitForOpenOrFail(tCtx, cfg.dbURL)
	WaitForOpenOrFail(tCtx, cfg.ingestURL)
	WaitForOpenOrFail(tCtx, cfg.statusURL)
	WaitForOpenOrFail(tCtx, cfg.webhookURL)
	waitForDB(tCtx, cfg.dbURL)

	//start mocks service for private services - not in this docker compose
	l, ts := startMockService(9876)
	defer ts.Close()
	defer l.Close()

	os.Exit(m.Run())
}

func TestIngestLive(t *testing.T) {
	t.Parallel()
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.ingestURL, "/live", nil)), http.StatusOK)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	req := newSubmitRequest(t, "notes.txt", [][2]string{{"kind", "text"}, {"owner", "o-1"},
		{"email", "olia@o.o"}})
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, req), http.StatusOK)
}

func TestSubmit_Fail_NoFile(t *testing.T) {
	t.Parallel()
	req := newSubmitRequest(t, "", [][2]string{{"kind", "text"}, {"owner", "o-1"}})
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, req), http.StatusBadRequest)
}

func TestSubmit_Fail_WrongKind(t *testing.T) {
	t.Parallel()
	req := newSubmitRequest(t, "notes.txt", [][2]string{{"kind", "olia"}, {"owner", "o-1"}})
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, req), http.StatusBadRequest)
}

func TestStatusLive(t *testing.T) {
	t.Parallel()
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.statusURL, "/live", nil)), http.StatusOK)
}

func TestStatus_Check_None(t *testing.T) {
	t.Parallel()
	st := getStatus(t, "10")
	assert.Equal(t, "NOT_FOUND", st.ErrorCode)
	assert.Equal(t, "10", st.ID)
}

func TestWebhookLive(t *testing.T) {
	t.Parallel()
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.webhookURL, "/live", nil)), http.StatusOK)
}

func TestWebhook_Fail_NoSecret(t *testing.T) {
	t.Parallel()
	req := NewRequest(t, http.MethodPost, cfg.webhookURL, "/transcription/event",
		map[string]string{"jobRef": "ext-1", "status": "done"})
	test.CheckCode(t, test.Invoke(t, cfg.httpclient, req), http.StatusUnauthorized)
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode,omitempty"`
}

func getStatus(t *testing.T, id string) statusResponse {
	resp := test.Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.statusURL, "status/"+id, nil))
	test.CheckCode(t, resp, http.StatusOK)
	st := test.Decode[statusResponse](t, resp)
	return st
}

func TestStatus_Check(t *testing.T) {
	t.Parallel()
	req := newSubmitRequest(t, "notes.txt", [][2]string{{"kind", "text"}, {"owner", "o-1"}})
	resp := test.Invoke(t, cfg.httpclient, req)
	test.CheckCode(t, resp, http.StatusOK)
	sr := test.Decode[submitResponse](t, resp)
	assert.NotEmpty(t, sr.ID)
	st := getStatus(t, sr.ID)
	assert.NotEqual(t, "NOT_FOUND", st.ErrorCode)
	dur := time.Second * 10
	tm := time.After(dur)
	for {
		select {
		case <-tm:
			require.Failf(t, "Fail", "Not COMPLETED in %v", dur)
		default:
			st = getStatus(t, sr.ID)
			if st.Status == "COMPLETED" {
				return
			}
			time.Sleep(time.Second)
		}
	}
}

func newSubmitRequest(t *testing.T, file string, params [][2]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if file != "" {
		part, _ := writer.CreateFormFile("file", file)
		_, _ = io.Copy(part, strings.NewReader("the meeting covered quarterly results"))
	}
	for _, p := range params {
		writer.WriteField(p[0], p[1])
	}
	writer.Close()
	req, err := http.NewRequest(http.MethodPost, cfg.ingestURL+"/submit", body)
	require.Nil(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-doorman-requestid", "m:testRequestID")
	return req
}

func startMockService(port int) (net.Listener, *httptest.Server) {
	// create a listener with the desired port.
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatalf("can't start mock service: %v", err)
	}
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transcriber/upload":
			io.Copy(w, strings.NewReader(`{"id":"ext-1111"}`))
		case "/transcriber/clean/ext-1111":
			io.Copy(w, strings.NewReader(`OK`))
		case "/llm/complete":
			io.Copy(w, strings.NewReader(`{"choices":[{"message":{"content":"{\"summary\":\"a summary\",\"topics\":[\"t\"],\"points\":[\"p\"],\"claims\":[]}"}}]}`))
		default:
			log.Printf("Unknown request to: " + r.URL.String())
		}
	}))

	ts.Listener.Close()
	ts.Listener = l

	// Start the server.
	ts.Start()
	log.Printf("started mock srv on port: %d", port)
	return l, ts
}
