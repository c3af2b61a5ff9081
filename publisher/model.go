// Package publisher implements the relational publisher ledger: tenant
// identity, per-publisher configuration, quota counters and the blog slot
// reservation discipline that bounds lifetime spend.
package publisher

import (
	"fmt"
	"time"

	"github.com/amitspk/blogwidget/common"
)

// Publisher statuses. Publishers are soft-deleted by moving to inactive
// rather than removing the row.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
	StatusTrial     = "trial"
)

// ValidStatuses enumerates the accepted publisher statuses.
var ValidStatuses = map[string]bool{
	StatusActive:    true,
	StatusInactive:  true,
	StatusSuspended: true,
	StatusTrial:     true,
}

// ModelInfo describes an allowed provider model and its capabilities.
type ModelInfo struct {
	SupportsGrounding bool
}

// AllowedModels is the set of provider/model identifiers a publisher
// config may select for summary, question and chat generation.
var AllowedModels = map[string]ModelInfo{
	"gemini-2.0-flash":      {SupportsGrounding: true},
	"gemini-2.0-flash-lite": {SupportsGrounding: false},
	"gemini-1.5-pro":        {SupportsGrounding: true},
	"gemini-1.5-flash":      {SupportsGrounding: false},
}

// Config defaults and bounds.
const (
	DefaultQuestionsPerBlog = 5
	MinQuestionsPerBlog     = 1
	MaxQuestionsPerBlog     = 20

	DefaultModel              = "gemini-2.0-flash"
	DefaultSummaryTemperature = 0.3
	DefaultQuestionsTemp      = 0.7
	DefaultChatTemperature    = 0.4
	DefaultSummaryMaxTokens   = 1024
	DefaultQuestionsMaxTokens = 2048
	DefaultChatMaxTokens      = 350
)

// PublisherConfig is the per-tenant configuration record. It is stored as
// a JSONB column on the publisher row and governs model selection, quotas,
// thresholds and the shape of generated artifacts.
type PublisherConfig struct {
	QuestionsPerBlog int `json:"questions_per_blog"`

	SummaryModel   string `json:"summary_model"`
	QuestionsModel string `json:"questions_model"`
	ChatModel      string `json:"chat_model"`

	SummaryTemperature   float64 `json:"summary_temperature"`
	QuestionsTemperature float64 `json:"questions_temperature"`
	ChatTemperature      float64 `json:"chat_temperature"`

	SummaryMaxTokens   int `json:"summary_max_tokens"`
	QuestionsMaxTokens int `json:"questions_max_tokens"`
	ChatMaxTokens      int `json:"chat_max_tokens"`

	CustomSummaryPrompt  *string `json:"custom_summary_prompt,omitempty"`
	CustomQuestionPrompt *string `json:"custom_question_prompt,omitempty"`

	UseGrounding bool `json:"use_grounding"`

	DailyBlogLimit *int `json:"daily_blog_limit,omitempty"`
	MaxTotalBlogs  *int `json:"max_total_blogs,omitempty"`

	ThresholdBeforeProcessingBlog int `json:"threshold_before_processing_blog"`

	// WhitelistedBlogURLs restricts which URLs the publisher may enqueue.
	// Entries are URL prefixes, bare domains or path fragments; nil or a
	// single "*" means unrestricted.
	WhitelistedBlogURLs []string `json:"whitelisted_blog_urls,omitempty"`

	// Widget is a free-form sub-record consumed only by the read path.
	Widget map[string]interface{} `json:"widget,omitempty"`
}

// DefaultConfig returns a PublisherConfig with system defaults applied.
func DefaultConfig() PublisherConfig {
	return PublisherConfig{
		QuestionsPerBlog:     DefaultQuestionsPerBlog,
		SummaryModel:         DefaultModel,
		QuestionsModel:       DefaultModel,
		ChatModel:            DefaultModel,
		SummaryTemperature:   DefaultSummaryTemperature,
		QuestionsTemperature: DefaultQuestionsTemp,
		ChatTemperature:      DefaultChatTemperature,
		SummaryMaxTokens:     DefaultSummaryMaxTokens,
		QuestionsMaxTokens:   DefaultQuestionsMaxTokens,
		ChatMaxTokens:        DefaultChatMaxTokens,
	}
}

// Normalize fills zero values with defaults and clamps bounded options.
func (c *PublisherConfig) Normalize() {
	if c.QuestionsPerBlog == 0 {
		c.QuestionsPerBlog = DefaultQuestionsPerBlog
	}
	if c.QuestionsPerBlog < MinQuestionsPerBlog {
		c.QuestionsPerBlog = MinQuestionsPerBlog
	}
	if c.QuestionsPerBlog > MaxQuestionsPerBlog {
		c.QuestionsPerBlog = MaxQuestionsPerBlog
	}
	if c.SummaryModel == "" {
		c.SummaryModel = DefaultModel
	}
	if c.QuestionsModel == "" {
		c.QuestionsModel = DefaultModel
	}
	if c.ChatModel == "" {
		c.ChatModel = DefaultModel
	}
	if c.SummaryMaxTokens == 0 {
		c.SummaryMaxTokens = DefaultSummaryMaxTokens
	}
	if c.QuestionsMaxTokens == 0 {
		c.QuestionsMaxTokens = DefaultQuestionsMaxTokens
	}
	if c.ChatMaxTokens == 0 {
		c.ChatMaxTokens = DefaultChatMaxTokens
	}
	c.SummaryTemperature = clampTemperature(c.SummaryTemperature)
	c.QuestionsTemperature = clampTemperature(c.QuestionsTemperature)
	c.ChatTemperature = clampTemperature(c.ChatTemperature)
}

// Validate checks option values against the allowed sets.
func (c *PublisherConfig) Validate() error {
	for _, model := range []string{c.SummaryModel, c.QuestionsModel, c.ChatModel} {
		if model == "" {
			continue
		}
		if _, ok := AllowedModels[model]; !ok {
			return fmt.Errorf("validation: model %q is not in the allowed set", model)
		}
	}
	if c.ThresholdBeforeProcessingBlog < 0 {
		return fmt.Errorf("validation: threshold_before_processing_blog must be >= 0")
	}
	if c.DailyBlogLimit != nil && *c.DailyBlogLimit < 0 {
		return fmt.Errorf("validation: daily_blog_limit must be >= 0")
	}
	if c.MaxTotalBlogs != nil && *c.MaxTotalBlogs < 0 {
		return fmt.Errorf("validation: max_total_blogs must be >= 0")
	}
	return nil
}

// GroundingEnabled reports whether question generation should use the
// grounded search tool: the flag must be set and the selected questions
// model must support it.
func (c *PublisherConfig) GroundingEnabled() bool {
	if !c.UseGrounding {
		return false
	}
	info, ok := AllowedModels[c.QuestionsModel]
	return ok && info.SupportsGrounding
}

func clampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// Publisher is the ledger row for a tenant. Domain values are normalized
// on write; the api key is opaque and regenerated atomically.
type Publisher struct {
	ID     string `gorm:"type:uuid;primaryKey" json:"id"`
	Name   string `gorm:"not null" json:"name"`
	Domain string `gorm:"uniqueIndex;not null" json:"domain"`
	APIKey string `gorm:"column:api_key;uniqueIndex;not null" json:"-"`
	Status string `gorm:"not null;default:active;index" json:"status"`

	Config PublisherConfig `gorm:"serializer:json;type:jsonb" json:"config"`

	TotalBlogsProcessed     int `gorm:"not null;default:0" json:"total_blogs_processed"`
	TotalQuestionsGenerated int `gorm:"not null;default:0" json:"total_questions_generated"`
	BlogSlotsReserved       int `gorm:"not null;default:0" json:"blog_slots_reserved"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// TableName pins the relational table name.
func (Publisher) TableName() string { return "publishers" }

// NormalizeDomain applies the domain write normalization to the row.
func (p *Publisher) NormalizeDomain() {
	p.Domain = common.NormalizeDomain(p.Domain)
}
