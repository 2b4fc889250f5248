package status

// Status represents content item lifecycle state
type Status int

const (
	// Pending - item submitted, pipeline not started yet
	Pending Status = iota + 1
	// Transcribing - waiting for external transcription outcome
	Transcribing
	// Analyzing - analysis stages in progress
	Analyzing
	// Completed - final state
	Completed
	// Failed - final state, error is set
	Failed
)

var (
	statusName = map[Status]string{Pending: "PENDING", Transcribing: "TRANSCRIBING",
		Analyzing: "ANALYZING", Completed: "COMPLETED", Failed: "FAILED"}
	nameStatus = map[string]Status{"PENDING": Pending, "TRANSCRIBING": Transcribing,
		"ANALYZING": Analyzing, "COMPLETED": Completed, "FAILED": Failed}

	// Pending->Failed covers a quota denial fired before the item
	// moved to Analyzing
	allowedNext = map[Status]map[Status]bool{
		Pending:      {Transcribing: true, Analyzing: true, Failed: true},
		Transcribing: {Analyzing: true, Failed: true},
		Analyzing:    {Completed: true, Failed: true},
	}
)

func (st Status) String() string {
	return statusName[st]
}

// From returns status obj from string
func From(st string) Status {
	return nameStatus[st]
}

// IsTerminal returns true for Completed and Failed
func (st Status) IsTerminal() bool {
	return st == Completed || st == Failed
}

// CanTransition checks the lifecycle table, no transition leaves a terminal state
func CanTransition(from, to Status) bool {
	return allowedNext[from][to]
}

// CanRestart reports whether an operator initiated retry may reset the
// item back to Pending. It is an out of band admin edge, not part of the
// pipeline transition table - the pipeline itself never leaves Failed.
func CanRestart(from Status) bool {
	return from == Failed
}

// ErrCode classifies a terminal failure on the content record
type ErrCode int

const (
	// ECQuota - usage limit reached before any paid work
	ECQuota ErrCode = iota + 1
	// ECNotStarted - completion calls exhausted the retry budget
	ECNotStarted
	// ECBadOutput - a required stage produced unparseable output
	ECBadOutput
	// ECTranscription - provider failure or empty transcript
	ECTranscription
	// ECServiceError - internal pipeline failure
	ECServiceError
)

var ecName = map[ErrCode]string{ECQuota: "QUOTA_EXCEEDED", ECNotStarted: "NOT_STARTED",
	ECBadOutput: "BAD_OUTPUT", ECTranscription: "TRANSCRIPTION", ECServiceError: "SERVICE_ERROR"}

func (ec ErrCode) String() string {
	return ecName[ec]
}
