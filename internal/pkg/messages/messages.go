package messages

import (
	amessages "github.com/airenas/async-api/pkg/messages"
)

const (
	st = "CLARUS/"
	// Work queue name for pipeline jobs
	Work = st + "Work"
	// StatusChange queue name for status push events
	StatusChange = st + "StatusChange"
	// Inform queue name for email notifications
	Inform = st + "Inform"

	// WorkTranscribe routes a transcription request job into the worker pool
	WorkTranscribe = Work + ":transcribe"
	// WorkAnalyze routes an analysis job into the worker pool
	WorkAnalyze = Work + ":analyze"
	// WorkFail routes a terminal failure job into the worker pool
	WorkFail = Work + ":fail"
)

// PipelineMessage is the main message moving content through the pipeline
type PipelineMessage struct {
	amessages.QueueMessage
	RequestID string `json:"requestID,omitempty"`
}

// FailMessage marks an item failed from the queue failure path
type FailMessage struct {
	amessages.QueueMessage
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// NewMessageFrom creates a copy of a message
func NewMessageFrom(m *PipelineMessage) *PipelineMessage {
	return &PipelineMessage{QueueMessage: m.QueueMessage, RequestID: m.RequestID}
}
