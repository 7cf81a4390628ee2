package pipeline

import (
	"encoding/json"
	"os"
	"time"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// Run completion statuses recorded in the run log.
const (
	StatusDone      = "done"
	StatusEarlyExit = "early-exit"
	StatusMismatch  = "validation-mismatch"
	StatusError     = "error"
)

// StageTime is one run log entry: a pipeline stage and its elapsed time.
type StageTime struct {
	Stage   string  `json:"stage"`
	Seconds float64 `json:"seconds"`
}

// RunLog is the per-invocation record published alongside the output.
// Stages are appended in execution order and never rewritten.
type RunLog struct {
	Output string      `json:"output"`
	Host   string      `json:"host"`
	Status string      `json:"status"`
	Stages []StageTime `json:"stages"`
	Error  string      `json:"error,omitempty"`
}

func newRunLog(outBox blockflow.Bbox) *RunLog {
	host, _ := os.Hostname()
	return &RunLog{
		Output: outBox.Filename(),
		Host:   host,
		Status: StatusDone,
	}
}

// Append records a completed stage and its duration.
func (rl *RunLog) Append(stage string, elapsed time.Duration) {
	rl.Stages = append(rl.Stages, StageTime{Stage: stage, Seconds: elapsed.Seconds()})
}

// StageSeconds returns the recorded time for a stage, or -1 if the stage
// never ran.
func (rl *RunLog) StageSeconds(stage string) float64 {
	for _, st := range rl.Stages {
		if st.Stage == stage {
			return st.Seconds
		}
	}
	return -1
}

// Marshal serializes the run log for publication.
func (rl *RunLog) Marshal() []byte {
	data, err := json.MarshalIndent(rl, "", "  ")
	if err != nil {
		blockflow.Errorf("unable to marshal run log for %s: %v\n", rl.Output, err)
		return []byte(`{"status":"unmarshalable"}`)
	}
	return data
}

// Activity flattens the run log into the map relayed to kafka.
func (rl *RunLog) Activity() map[string]interface{} {
	activity := map[string]interface{}{
		"output": rl.Output,
		"host":   rl.Host,
		"status": rl.Status,
	}
	for _, st := range rl.Stages {
		activity[st.Stage+" (secs)"] = st.Seconds
	}
	if rl.Error != "" {
		activity["error"] = rl.Error
	}
	return activity
}
