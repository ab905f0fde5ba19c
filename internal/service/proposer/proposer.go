package proposer

import (
	"fmt"
	"strings"

	"github.com/costsentry/costsentry/pkg/models"
)

const defaultTrivialSavings = 10.0

// Category buckets services into remediation families
type Category string

const (
	CategoryLLM       Category = "llm"
	CategoryAnalytics Category = "analytics"
	CategoryCompute   Category = "compute"
	CategoryStorage   Category = "storage"
	CategoryOther     Category = "other"
)

// rule is one entry of the proposal table
type rule struct {
	actionType models.ActionType
	// fraction of the cost overage the remediation is expected to recover
	fraction float64
	risk     models.RiskLevel
}

// ruleTable maps (category, severity) to exactly one candidate remediation
var ruleTable = map[Category]map[models.Severity]rule{
	CategoryLLM: {
		models.SeverityLow:      {models.ActionEnableCaching, 0.10, models.RiskLow},
		models.SeverityMedium:   {models.ActionEnableCaching, 0.20, models.RiskLow},
		models.SeverityHigh:     {models.ActionSwitchModel, 0.30, models.RiskMedium},
		models.SeverityCritical: {models.ActionSwitchModel, 0.40, models.RiskMedium},
	},
	CategoryAnalytics: {
		models.SeverityLow:      {models.ActionEnableCaching, 0.10, models.RiskLow},
		models.SeverityMedium:   {models.ActionRightsize, 0.20, models.RiskMedium},
		models.SeverityHigh:     {models.ActionRightsize, 0.30, models.RiskMedium},
		models.SeverityCritical: {models.ActionScaleDown, 0.40, models.RiskHigh},
	},
	CategoryCompute: {
		models.SeverityLow:      {models.ActionTerminateIdle, 0.10, models.RiskLow},
		models.SeverityMedium:   {models.ActionRightsize, 0.25, models.RiskMedium},
		models.SeverityHigh:     {models.ActionScaleDown, 0.35, models.RiskHigh},
		models.SeverityCritical: {models.ActionScaleDown, 0.50, models.RiskHigh},
	},
	CategoryStorage: {
		models.SeverityLow:      {models.ActionTerminateIdle, 0.10, models.RiskLow},
		models.SeverityMedium:   {models.ActionRightsize, 0.20, models.RiskLow},
		models.SeverityHigh:     {models.ActionRightsize, 0.30, models.RiskMedium},
		models.SeverityCritical: {models.ActionRightsize, 0.40, models.RiskHigh},
	},
	CategoryOther: {
		models.SeverityLow:      {models.ActionTerminateIdle, 0.05, models.RiskLow},
		models.SeverityMedium:   {models.ActionRightsize, 0.15, models.RiskMedium},
		models.SeverityHigh:     {models.ActionScaleDown, 0.25, models.RiskHigh},
		models.SeverityCritical: {models.ActionScaleDown, 0.35, models.RiskHigh},
	},
}

// Proposer builds one optimization action candidate per anomaly from a
// fixed rule table. It never persists anything: the lifecycle engine owns
// action creation and status.
type Proposer struct {
	trivialSavings float64
}

// Option configures the proposer
type Option func(*Proposer)

// WithTrivialSavings sets the savings threshold below which low-risk
// actions skip the human approval gate
func WithTrivialSavings(threshold float64) Option {
	return func(p *Proposer) {
		if threshold >= 0 {
			p.trivialSavings = threshold
		}
	}
}

// New creates a proposer
func New(opts ...Option) *Proposer {
	p := &Proposer{trivialSavings: defaultTrivialSavings}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Propose returns the candidate remediation for an anomaly. Auto-approval
// applies only when the estimated savings are below the trivial threshold
// AND the risk is low; everything else requires a human decision.
func (p *Proposer) Propose(anomaly *models.Anomaly) *models.Action {
	category := Categorize(anomaly.Service)
	r := ruleTable[category][anomaly.Severity]

	overage := anomaly.ObservedCost - anomaly.ExpectedCost
	if overage < 0 {
		overage = 0
	}
	savings := r.fraction * overage

	autoApproved := savings < p.trivialSavings && r.risk == models.RiskLow

	return &models.Action{
		AnomalyID:        anomaly.ID,
		ActionType:       r.actionType,
		EstimatedSavings: savings,
		RiskLevel:        r.risk,
		RequiresApproval: !autoApproved,
		AutoApproved:     autoApproved,
		Description: fmt.Sprintf("%s for %s/%s: estimated savings $%.2f/day (%s severity)",
			r.actionType, anomaly.Provider, anomaly.Service, savings, anomaly.Severity),
	}
}

var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryLLM, []string{"llm", "model", "inference", "gpt", "claude", "openai", "anthropic", "bedrock", "vertex"}},
	{CategoryAnalytics, []string{"bigquery", "athena", "redshift", "warehouse", "analytics", "query", "databricks"}},
	{CategoryCompute, []string{"ec2", "compute", "vm", "instance", "gke", "eks", "aks", "kubernetes", "node", "lambda", "function"}},
	{CategoryStorage, []string{"s3", "gcs", "blob", "storage", "disk", "bucket", "volume"}},
}

// Categorize maps a service name to its remediation category
func Categorize(service string) Category {
	name := strings.ToLower(service)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(name, kw) {
				return c.category
			}
		}
	}
	return CategoryOther
}
