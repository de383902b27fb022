package models

import "time"

// TestCase is a single prompt with its expected symbol activations.
type TestCase struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Prompt              string   `json:"prompt"`
	ExpectedActivations []string `json:"expectedActivations,omitempty"`
}

// TestSet is a named collection of test cases.
type TestSet struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Tests     []TestCase `json:"tests"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TestRunStatus is the lifecycle state of a test run.
type TestRunStatus string

// Test run statuses.
const (
	TestRunRunning   TestRunStatus = "running"
	TestRunCompleted TestRunStatus = "completed"
	TestRunStopped   TestRunStatus = "stopped"
	TestRunFailed    TestRunStatus = "failed"
)

// TestResultStatus is the outcome of a single case.
type TestResultStatus string

// Test case result statuses.
const (
	TestResultPending TestResultStatus = "pending"
	TestResultRunning TestResultStatus = "running"
	TestResultPassed  TestResultStatus = "passed"
	TestResultFailed  TestResultStatus = "failed"
)

// TestResult is the outcome of evaluating one case.
type TestResult struct {
	ID                 string           `json:"id"`
	Prompt             string           `json:"prompt"`
	Status             TestResultStatus `json:"status"`
	SignalZeroResponse string           `json:"signalZeroResponse,omitempty"`
	BaselineResponse   string           `json:"baselineResponse,omitempty"`
	MissingActivations []string         `json:"missingActivations,omitempty"`
	Evaluation         *Evaluation      `json:"evaluation,omitempty"`
}

// Evaluation is the judged comparison between the tool-assisted response and
// the baseline model response.
type Evaluation struct {
	Scores    map[string]float64 `json:"scores,omitempty"`
	Reasoning string             `json:"reasoning,omitempty"`
}

// TestRunSummary aggregates run progress.
type TestRunSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
}

// TestRun is the durable state of one evaluation of a test set.
type TestRun struct {
	ID                   string         `json:"id"`
	TestSetID            string         `json:"testSetId"`
	Status               TestRunStatus  `json:"status"`
	Results              []TestResult   `json:"results"`
	Summary              TestRunSummary `json:"summary"`
	CompareWithBaseModel bool           `json:"compareWithBaseModel"`
	StartedAt            time.Time      `json:"startedAt"`
	FinishedAt           *time.Time     `json:"finishedAt,omitempty"`
}
