package types

import "time"

// RunItemState is the terminal state of one (symbol, timeframe, subrange)
// unit of a pipeline run.
type RunItemState string

const (
	RunItemCompleted RunItemState = "COMPLETED"
	RunItemFailed    RunItemState = "FAILED"
	RunItemCancelled RunItemState = "CANCELLED"
)

// RunItemResult reports one scheduled unit of a run.
type RunItemResult struct {
	Symbol    string       `yaml:"symbol" json:"symbol"`
	Timeframe Timeframe    `yaml:"timeframe" json:"timeframe"`
	Range     TimeRange    `yaml:"range" json:"range"`
	State     RunItemState `yaml:"state" json:"state"`
	ErrorKind string       `yaml:"error_kind,omitempty" json:"error_kind,omitempty"`
	Message   string       `yaml:"message,omitempty" json:"message,omitempty"`
}

// RunReport is the end-to-end result of one pipeline run. The store
// reflects exactly the completed items.
type RunReport struct {
	RunID          string           `yaml:"run_id" json:"run_id"`
	StartedAt      time.Time        `yaml:"started_at" json:"started_at"`
	FinishedAt     time.Time        `yaml:"finished_at" json:"finished_at"`
	BarsFetched    int              `yaml:"bars_fetched" json:"bars_fetched"`
	BarsStored     int              `yaml:"bars_stored" json:"bars_stored"`
	BarsRejected   int              `yaml:"bars_rejected" json:"bars_rejected"`
	LabelsProduced int              `yaml:"labels_produced" json:"labels_produced"`
	IndicatorRows  int              `yaml:"indicator_rows" json:"indicator_rows"`
	Quality        QualityAggregate `yaml:"quality" json:"quality"`
	Items          []RunItemResult  `yaml:"items" json:"items"`
}

// Succeeded reports whether every scheduled item completed.
func (r RunReport) Succeeded() bool {
	for _, item := range r.Items {
		if item.State != RunItemCompleted {
			return false
		}
	}

	return true
}

// PipelineState is the externally visible orchestrator state.
type PipelineState string

const (
	PipelineIdle     PipelineState = "IDLE"
	PipelineRunning  PipelineState = "RUNNING"
	PipelineDraining PipelineState = "DRAINING"
	PipelineStopped  PipelineState = "STOPPED"
)
