package api

const (
	// PrmFile - submission form file param
	PrmFile = "file"
	// PrmEmail - optional notification email
	PrmEmail = "email"
	// PrmKind - content kind param
	PrmKind = "kind"
	// PrmOwner - owner identifier param
	PrmOwner = "owner"
	// PrmLang - optional source language hint
	PrmLang = "language"
)

const (
	// KindText - text-like content, goes straight to analysis
	KindText = "text"
	// KindMedia - audio/video content, needs transcription first
	KindMedia = "media"
)

const (
	// StageOverview - summary and topics
	StageOverview = "overview"
	// StageKeyPoints - extracted key points
	StageKeyPoints = "key_points"
	// StageFactCheck - claims with verdicts
	StageFactCheck = "fact_check"
)

// Stages lists required analysis stages, an item completes only when all are done
var Stages = []string{StageOverview, StageKeyPoints, StageFactCheck}

// FeatureAnalysis is the quota feature key charged per analyzed item
const FeatureAnalysis = "analysis"

// TranscriptFile is the stored transcript object name under the item ID prefix
const TranscriptFile = "transcript.txt"

// OverviewData is the overview stage payload
type OverviewData struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"topics,omitempty"`
}

// KeyPointsData is the key points stage payload
type KeyPointsData struct {
	Points []string `json:"points"`
}

// Claim is a single fact check entry
type Claim struct {
	Claim   string `json:"claim"`
	Verdict string `json:"verdict"`
	Note    string `json:"note,omitempty"`
}

// FactCheckData is the fact check stage payload
type FactCheckData struct {
	Claims []Claim `json:"claims"`
}
