package api

import (
	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/domain"
)

// OptionsRequest carries the job options of a submission.
type OptionsRequest struct {
	SpeakerCount  int      `json:"speaker_count"  validate:"gte=0,lte=32"`
	LanguageHints []string `json:"language_hints" validate:"omitempty,max=8,dive,required,max=16"`
}

func (o OptionsRequest) toDomain() domain.JobOptions {
	return domain.JobOptions{SpeakerCount: o.SpeakerCount, LanguageHints: o.LanguageHints}
}

// SubmitTaskRequest is the body of POST /v1/tasks.
type SubmitTaskRequest struct {
	URL     string         `json:"url"     validate:"required,url"`
	Engine  string         `json:"engine"  validate:"required"`
	Options OptionsRequest `json:"options"`
}

// SubmitParentRequest is the body of POST /v1/parents.
type SubmitParentRequest struct {
	ParentKey   string         `json:"parent_key"   validate:"required,max=2048"`
	ImageURLs   []string       `json:"image_urls"   validate:"max=100,dive,required,url"`
	VideoURLs   []string       `json:"video_urls"   validate:"max=20,dive,required,url"`
	ImageEngine string         `json:"image_engine"`
	VideoEngine string         `json:"video_engine"`
	Options     OptionsRequest `json:"options"`
}

// ExportRequest names the parents to export. An empty list exports all.
type ExportRequest struct {
	ParentKeys []string `json:"parent_keys" validate:"max=1000,dive,required"`
}

// TaskListResponse is the body of GET /v1/tasks.
type TaskListResponse struct {
	Tasks  []*domain.Task `json:"tasks"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ParentListResponse is the body of GET /v1/parents.
type ParentListResponse struct {
	Parents []*aggregate.ParentAggregate `json:"parents"`
	Limit   int                          `json:"limit"`
	Offset  int                          `json:"offset"`
}

// EngineHealth is the availability of one engine.
type EngineHealth struct {
	Engine    domain.Engine `json:"engine"`
	Available bool          `json:"available"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string         `json:"status"`
	Engines []EngineHealth `json:"engines"`
}
