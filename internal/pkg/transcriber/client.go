package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	tapi "github.com/VetSecItPro/clarus-app-sub007/internal/pkg/transcriber/api"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/cenkalti/backoff/v4"
)

// Client communicates with the external transcription provider.
// The provider answers with a job reference and later delivers
// the outcome to our webhook service.
type Client struct {
	httpclient    *http.Client
	uploadURL     string
	cleanURL      string
	callbackURL   string
	uploadTimeout time.Duration
	timeout       time.Duration
	backoff       func() backoff.BackOff
}

// NewClient creates a transcription provider client
func NewClient(uploadURL, cleanURL, callbackURL string) (*Client, error) {
	res := Client{}
	if uploadURL == "" {
		return nil, fmt.Errorf("no uploadURL")
	}
	if cleanURL == "" {
		return nil, fmt.Errorf("no cleanURL")
	}
	if callbackURL == "" {
		return nil, fmt.Errorf("no callbackURL")
	}
	res.uploadURL = uploadURL
	res.cleanURL = cleanURL
	res.callbackURL = callbackURL
	res.uploadTimeout = time.Minute * 10
	res.timeout = time.Second * 50
	res.httpclient = providerHTTPClient()
	res.backoff = newSimpleBackoff
	return &res, nil
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload sends media to the provider and returns the external job reference
func (sp *Client) Upload(ctx context.Context, data *tapi.UploadData) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for v, k := range data.Files {
		part, err := writer.CreateFormFile("file", v)
		if err != nil {
			return "", fmt.Errorf("can't add file to request: %w", err)
		}
		_, err = io.Copy(part, k)
		if err != nil {
			return "", fmt.Errorf("can't add file content to request: %w", err)
		}
	}
	for v, k := range data.Params {
		if err := writer.WriteField(v, k); err != nil {
			return "", fmt.Errorf("can't add param: %w", err)
		}
	}
	if err := writer.WriteField(tapi.PrmCallbackURL, sp.callbackURL); err != nil {
		return "", fmt.Errorf("can't add param: %w", err)
	}
	writer.Close()

	return goapp.InvokeWithBackoff(ctx, func() (string, bool, error) {
		var respData uploadResponse
		req, err := http.NewRequest(http.MethodPost, sp.uploadURL, bytes.NewReader(body.Bytes()))
		if err != nil {
			return "", false, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		ctx, cancelF := context.WithTimeout(ctx, sp.uploadTimeout)
		defer cancelF()
		req = req.WithContext(ctx)
		goapp.Log.Info().Str("url", req.URL.String()).Str("method", req.Method).Msg("call")
		resp, err := sp.httpclient.Do(req)
		if err != nil {
			return "", goapp.IsRetryableErr(err), fmt.Errorf("can't call: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
			_ = resp.Body.Close()
		}()
		if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
			err = fmt.Errorf("can't invoke '%s': %w", req.URL.String(), err)
			return "", goapp.IsRetryableCode(resp.StatusCode), err
		}
		br, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", goapp.IsRetryableErr(err), fmt.Errorf("can't read body: %w", err)
		}
		err = json.Unmarshal(br, &respData)
		if err != nil {
			return "", true, fmt.Errorf("can't decode response: %w", err)
		}
		if respData.ID == "" {
			return "", false, fmt.Errorf("can't get ID from response")
		}
		return respData.ID, false, nil
	}, sp.backoff())
}

// Clean removes all provider data related with the job reference
func (sp *Client) Clean(ctx context.Context, id string) error {
	goapp.Log.Info().Str("url", sp.cleanURL).Msg("delete")
	_, err := goapp.InvokeWithBackoff(ctx,
		func() (interface{}, bool, error) {
			ctx, cancelF := context.WithTimeout(ctx, sp.timeout)
			defer cancelF()
			req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/%s", sp.cleanURL, id), nil)
			if err != nil {
				return nil, false, err
			}
			req = req.WithContext(ctx)

			resp, err := sp.httpclient.Do(req)
			if err != nil {
				return nil, goapp.IsRetryableErr(err), fmt.Errorf("can't call: %w", err)
			}
			defer func() {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
				_ = resp.Body.Close()
			}()
			if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
				err = fmt.Errorf("can't invoke '%s': %w", req.URL.String(), err)
				return nil, goapp.IsRetryableCode(resp.StatusCode), err
			}
			return nil, false, nil
		}, sp.backoff())
	return err
}

func providerHTTPClient() *http.Client {
	return &http.Client{Transport: newTransport()}
}

func newTransport() http.RoundTripper {
	// default roundripper is not well suited for our case
	// it has just 2 idle connections per host, so try to tune a bit
	res := http.DefaultTransport.(*http.Transport).Clone()
	res.MaxConnsPerHost = 100
	res.MaxIdleConns = 50
	res.MaxIdleConnsPerHost = 50
	res.IdleConnTimeout = 90 * time.Second
	return res
}

func newSimpleBackoff() backoff.BackOff {
	res := backoff.NewExponentialBackOff()
	return backoff.WithMaxRetries(res, 3)
}
