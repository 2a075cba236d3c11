package types

// IssueSeverity grades a validation issue.
type IssueSeverity string

const (
	SeverityInfo  IssueSeverity = "INFO"
	SeverityWarn  IssueSeverity = "WARN"
	SeverityError IssueSeverity = "ERROR"
)

// IssueCode identifies the validation rule that raised an issue.
type IssueCode string

const (
	IssueOHLCLogic           IssueCode = "OHLC_LOGIC"
	IssueNegativeVolume      IssueCode = "NEGATIVE_VOLUME"
	IssueOffGrid             IssueCode = "OFF_GRID_TIMESTAMP"
	IssueDuplicateTimestamp  IssueCode = "DUPLICATE_TIMESTAMP"
	IssueNonMonotonic        IssueCode = "NON_MONOTONIC_TIMESTAMP"
	IssueExcessiveMovement   IssueCode = "EXCESSIVE_PRICE_MOVEMENT"
	IssuePriceOutlier        IssueCode = "PRICE_OUTLIER"
	IssueZeroVolume          IssueCode = "ZERO_VOLUME"
	IssueVolumeOutlier       IssueCode = "VOLUME_OUTLIER"
	IssueCrossTFInconsistent IssueCode = "CROSS_TF_INCONSISTENT"
)

// Issue is a single validation finding attached to a bar.
type Issue struct {
	Code     IssueCode     `yaml:"code" json:"code"`
	Severity IssueSeverity `yaml:"severity" json:"severity"`
	Message  string        `yaml:"message" json:"message"`
}

// QualityReport scores one bar. Score is in [0, 100]; an ERROR issue caps
// the score below the acceptance threshold so the bar is rejected.
type QualityReport struct {
	Score  float64 `yaml:"score" json:"score"`
	Issues []Issue `yaml:"issues" json:"issues"`
}

// HasErrors reports whether any issue carries ERROR severity.
func (q QualityReport) HasErrors() bool {
	for _, issue := range q.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}

	return false
}

// HasWarnings reports whether any issue carries WARN severity.
func (q QualityReport) HasWarnings() bool {
	for _, issue := range q.Issues {
		if issue.Severity == SeverityWarn {
			return true
		}
	}

	return false
}

// Accepted reports whether the bar passes the acceptance threshold with no
// ERROR issue.
func (q QualityReport) Accepted(threshold float64) bool {
	return q.Score >= threshold && !q.HasErrors()
}

// QualityAggregate accumulates validation outcomes over a batch or range.
type QualityAggregate struct {
	TotalBars       int                   `yaml:"total_bars" json:"total_bars"`
	AcceptedBars    int                   `yaml:"accepted_bars" json:"accepted_bars"`
	RejectedBars    int                   `yaml:"rejected_bars" json:"rejected_bars"`
	ScoreMean       float64               `yaml:"score_mean" json:"score_mean"`
	ScoreMin        float64               `yaml:"score_min" json:"score_min"`
	CountByCode     map[IssueCode]int     `yaml:"count_by_code" json:"count_by_code"`
	CountBySeverity map[IssueSeverity]int `yaml:"count_by_severity" json:"count_by_severity"`
}

// NewQualityAggregate returns an empty aggregate with allocated maps.
func NewQualityAggregate() QualityAggregate {
	return QualityAggregate{
		TotalBars:       0,
		AcceptedBars:    0,
		RejectedBars:    0,
		ScoreMean:       0,
		ScoreMin:        0,
		CountByCode:     make(map[IssueCode]int),
		CountBySeverity: make(map[IssueSeverity]int),
	}
}

// Add folds one bar's report into the aggregate.
func (a *QualityAggregate) Add(report QualityReport, accepted bool) {
	if a.CountByCode == nil {
		a.CountByCode = make(map[IssueCode]int)
	}

	if a.CountBySeverity == nil {
		a.CountBySeverity = make(map[IssueSeverity]int)
	}

	if a.TotalBars == 0 || report.Score < a.ScoreMin {
		a.ScoreMin = report.Score
	}

	a.ScoreMean = (a.ScoreMean*float64(a.TotalBars) + report.Score) / float64(a.TotalBars+1)
	a.TotalBars++

	if accepted {
		a.AcceptedBars++
	} else {
		a.RejectedBars++
	}

	for _, issue := range report.Issues {
		a.CountByCode[issue.Code]++
		a.CountBySeverity[issue.Severity]++
	}
}
