package utils

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/vgarvardt/gue/v5"
)

// maxSimpleRetries bounds redelivery for handlers without a failure route
const maxSimpleRetries = 3

// CreateHandler wraps a typed handler func into a gue work func.
// Messages that keep failing are dropped after maxSimpleRetries.
func CreateHandler[TM any, SD any](data *SD, hf func(context.Context, *TM, *SD) error) gue.WorkFunc {
	return func(ctx context.Context, j *gue.Job) error {
		var m TM
		if err := json.Unmarshal(j.Args, &m); err != nil {
			return fmt.Errorf("could not unmarshal message: %w", err)
		}
		goapp.Log.Info().Str("queue", j.Queue).Str("type", j.Type).Int32("errCount", j.ErrorCount).Msg("got msg")
		if j.ErrorCount >= maxSimpleRetries {
			goapp.Log.Error().Int32("count", j.ErrorCount).Str("lastError", j.LastError.String).Msg("msg failed, dropping")
			return nil
		}
		return hf(ctx, &m, data)
	}
}
