package qrunner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"k8s.io/utils/ptr"

	"github.com/quatton/runbookgen/pkg/qjob"
)

const (
	DefaultDBFSRoot = "/dbfs/tmp/ps_ai_runbook_gen"

	// generationTaskKey is the task holding the document in multi-task jobs.
	generationTaskKey = "generation"
	dbfsReadChunk     = 1 << 20
	listPageSize      = 25
)

// DatabricksRunner triggers a pre-deployed notebook job through the Jobs
// API 2.1 and reads the generated runbook back from DBFS.
type DatabricksRunner struct {
	host     string
	jobID    int64
	dbfsRoot string
	client   *http.Client
}

type DatabricksOption func(*DatabricksRunner)

// WithDBFSRoot sets the DBFS directory shared with the notebook.
func WithDBFSRoot(root string) DatabricksOption {
	return func(r *DatabricksRunner) { r.dbfsRoot = strings.TrimSuffix(root, "/") }
}

func NewDatabricksRunner(host, token string, jobID int64, opts ...DatabricksOption) *DatabricksRunner {
	r := &DatabricksRunner{
		host:     strings.TrimSuffix(host, "/"),
		jobID:    jobID,
		dbfsRoot: DefaultDBFSRoot,
		client: &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *DatabricksRunner) Name() string { return "databricks" }

type databricksError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *databricksError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("databricks: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("databricks: %s: %s", e.ErrorCode, e.Message)
}

func (e *databricksError) notFound() bool {
	return e.StatusCode == http.StatusNotFound || e.ErrorCode == "RESOURCE_DOES_NOT_EXIST"
}

func (r *DatabricksRunner) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := r.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("databricks %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &databricksError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

type runState struct {
	LifeCycleState string `json:"life_cycle_state"`
	ResultState    string `json:"result_state,omitempty"`
	StateMessage   string `json:"state_message,omitempty"`
}

type taskRun struct {
	TaskKey string `json:"task_key"`
	RunID   int64  `json:"run_id"`
}

type runInfo struct {
	RunID                int64    `json:"run_id"`
	JobID                int64    `json:"job_id"`
	State                runState `json:"state"`
	StartTime            int64    `json:"start_time"`
	EndTime              int64    `json:"end_time"`
	RunPageURL           string   `json:"run_page_url,omitempty"`
	OverridingParameters struct {
		NotebookParams map[string]string `json:"notebook_params,omitempty"`
	} `json:"overriding_parameters"`
	Tasks []taskRun `json:"tasks,omitempty"`
}

// lifeCycleStatus maps a Databricks run state to a gateway status.
func lifeCycleStatus(s runState) qjob.Status {
	switch s.LifeCycleState {
	case "RUNNING", "TERMINATING":
		return qjob.StatusRunning
	case "TERMINATED":
		switch s.ResultState {
		case "SUCCESS":
			return qjob.StatusSuccess
		case "FAILED", "TIMEDOUT":
			return qjob.StatusFailed
		default:
			return qjob.StatusTerminated
		}
	case "SKIPPED":
		return qjob.StatusSkipped
	case "INTERNAL_ERROR":
		return qjob.StatusInternalError
	default:
		// PENDING, QUEUED, BLOCKED, WAITING_FOR_RETRY
		return qjob.StatusPending
	}
}

func parseRunID(runID string) (int64, error) {
	id, err := strconv.ParseInt(runID, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrRunNotFound
	}
	return id, nil
}

func (r *DatabricksRunner) outputPath(runID string) string {
	return r.dbfsRoot + "/runbooks/" + runID + "/runbook.md"
}

// dbfsAPIPath converts the /dbfs FUSE path notebooks see into a DBFS API path.
func dbfsAPIPath(p string) string {
	if rest, ok := strings.CutPrefix(p, "/dbfs/"); ok {
		return "/" + rest
	}
	return p
}

// Submit triggers the configured job. Databricks assigns the run id.
func (r *DatabricksRunner) Submit(ctx context.Context, spec JobSpec) (*Run, error) {
	params := map[string]string{
		"model_type":  spec.ModelID,
		"input_path":  r.dbfsRoot + "/uploads",
		"input_files": strings.Join(spec.InputFiles, ","),
		"output_path": r.dbfsRoot + "/runbooks",
	}
	for k, v := range spec.Env {
		params[k] = v
	}

	var resp struct {
		RunID int64 `json:"run_id"`
	}
	err := r.call(ctx, http.MethodPost, "/api/2.1/jobs/run-now", nil, map[string]any{
		"job_id":          r.jobID,
		"notebook_params": params,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("triggering job %d: %w", r.jobID, err)
	}
	if resp.RunID == 0 {
		return nil, fmt.Errorf("triggering job %d: response has no run_id", r.jobID)
	}

	runID := strconv.FormatInt(resp.RunID, 10)
	return &Run{
		ID:         runID,
		Backend:    r.Name(),
		ModelID:    spec.ModelID,
		InputFiles: append([]string(nil), spec.InputFiles...),
		Status:     qjob.StatusPending,
		CreatedAt:  time.Now(),
		OutputPath: r.outputPath(runID),
		Metadata: map[string]string{
			"databricks_job_id": strconv.FormatInt(r.jobID, 10),
		},
	}, nil
}

func (r *DatabricksRunner) getRun(ctx context.Context, id int64) (*runInfo, error) {
	var info runInfo
	err := r.call(ctx, http.MethodGet, "/api/2.1/jobs/runs/get", url.Values{"run_id": {strconv.FormatInt(id, 10)}}, nil, &info)
	if err != nil {
		var apiErr *databricksError
		if errors.As(err, &apiErr) && (apiErr.notFound() || apiErr.ErrorCode == "INVALID_PARAMETER_VALUE") {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("getting run %d: %w", id, err)
	}
	return &info, nil
}

func (r *DatabricksRunner) toRun(info *runInfo) *Run {
	runID := strconv.FormatInt(info.RunID, 10)
	params := info.OverridingParameters.NotebookParams
	run := &Run{
		ID:         runID,
		Backend:    r.Name(),
		ModelID:    params["model_type"],
		Status:     lifeCycleStatus(info.State),
		Message:    info.State.StateMessage,
		OutputPath: r.outputPath(runID),
		Metadata: map[string]string{
			"databricks_job_id": strconv.FormatInt(info.JobID, 10),
		},
	}
	if files := params["input_files"]; files != "" {
		run.InputFiles = strings.Split(files, ",")
	}
	if info.RunPageURL != "" {
		run.Metadata["run_page_url"] = info.RunPageURL
	}
	if info.StartTime > 0 {
		run.CreatedAt = time.UnixMilli(info.StartTime)
		if run.Status != qjob.StatusPending {
			run.StartedAt = ptr.To(time.UnixMilli(info.StartTime))
		}
	}
	if info.EndTime > 0 {
		run.FinishedAt = ptr.To(time.UnixMilli(info.EndTime))
	}
	return run
}

func (r *DatabricksRunner) GetRun(ctx context.Context, runID string) (*Run, error) {
	id, err := parseRunID(runID)
	if err != nil {
		return nil, err
	}
	info, err := r.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.toRun(info), nil
}

func (r *DatabricksRunner) Cancel(ctx context.Context, runID string) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	info, err := r.getRun(ctx, id)
	if err != nil {
		return err
	}
	if lifeCycleStatus(info.State).Terminal() {
		return ErrRunFinished
	}
	if err := r.call(ctx, http.MethodPost, "/api/2.1/jobs/runs/cancel", nil, map[string]int64{"run_id": id}, nil); err != nil {
		return fmt.Errorf("cancelling run %d: %w", id, err)
	}
	return nil
}

// ListRuns pages through the configured job's runs, newest first.
func (r *DatabricksRunner) ListRuns(ctx context.Context, status *qjob.Status) ([]*Run, error) {
	var runs []*Run
	pageToken := ""
	for {
		query := url.Values{
			"job_id": {strconv.FormatInt(r.jobID, 10)},
			"limit":  {strconv.Itoa(listPageSize)},
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}
		var page struct {
			Runs          []runInfo `json:"runs"`
			HasMore       bool      `json:"has_more"`
			NextPageToken string    `json:"next_page_token"`
		}
		if err := r.call(ctx, http.MethodGet, "/api/2.1/jobs/runs/list", query, nil, &page); err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		for i := range page.Runs {
			run := r.toRun(&page.Runs[i])
			if status != nil && run.Status != *status {
				continue
			}
			runs = append(runs, run)
		}
		if !page.HasMore || page.NextPageToken == "" {
			return runs, nil
		}
		pageToken = page.NextPageToken
	}
}

// ReadOutput reads runbook.md from DBFS. Workspaces without DBFS API
// access fall back to the notebook exit value.
func (r *DatabricksRunner) ReadOutput(ctx context.Context, runID string) (io.ReadCloser, error) {
	id, err := parseRunID(runID)
	if err != nil {
		return nil, err
	}
	info, err := r.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if lifeCycleStatus(info.State) != qjob.StatusSuccess {
		return nil, ErrOutputNotReady
	}

	content, err := r.readDBFS(ctx, dbfsAPIPath(r.outputPath(runID)))
	if err == nil {
		return io.NopCloser(bytes.NewReader(content)), nil
	}
	var apiErr *databricksError
	if !errors.As(err, &apiErr) || !(apiErr.notFound() || apiErr.StatusCode == http.StatusForbidden) {
		return nil, err
	}

	result, err := r.notebookOutput(ctx, info)
	if err != nil {
		return nil, err
	}
	if result == "" {
		return nil, ErrOutputNotReady
	}
	return io.NopCloser(strings.NewReader(result)), nil
}

func (r *DatabricksRunner) readDBFS(ctx context.Context, path string) ([]byte, error) {
	var buf bytes.Buffer
	for offset := int64(0); ; {
		var chunk struct {
			BytesRead int64  `json:"bytes_read"`
			Data      string `json:"data"`
		}
		query := url.Values{
			"path":   {path},
			"offset": {strconv.FormatInt(offset, 10)},
			"length": {strconv.Itoa(dbfsReadChunk)},
		}
		if err := r.call(ctx, http.MethodGet, "/api/2.0/dbfs/read", query, nil, &chunk); err != nil {
			return nil, err
		}
		if chunk.BytesRead == 0 {
			return buf.Bytes(), nil
		}
		data, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding dbfs chunk at %d: %w", offset, err)
		}
		buf.Write(data)
		offset += chunk.BytesRead
		if chunk.BytesRead < dbfsReadChunk {
			return buf.Bytes(), nil
		}
	}
}

type runOutput struct {
	NotebookOutput *struct {
		Result    string `json:"result"`
		Truncated bool   `json:"truncated"`
	} `json:"notebook_output,omitempty"`
	Error string `json:"error,omitempty"`
}

func (r *DatabricksRunner) getOutput(ctx context.Context, id int64) (*runOutput, error) {
	var out runOutput
	err := r.call(ctx, http.MethodGet, "/api/2.1/jobs/runs/get-output", url.Values{"run_id": {strconv.FormatInt(id, 10)}}, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// notebookOutput returns the dbutils.notebook.exit value of the run, or of
// its generation task when the job has several tasks.
func (r *DatabricksRunner) notebookOutput(ctx context.Context, info *runInfo) (string, error) {
	out, err := r.getOutput(ctx, info.RunID)
	var apiErr *databricksError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == "INVALID_PARAMETER_VALUE" {
		taskRunID := int64(0)
		for _, task := range info.Tasks {
			if task.TaskKey == generationTaskKey {
				taskRunID = task.RunID
				break
			}
		}
		if taskRunID == 0 {
			return "", fmt.Errorf("run %d has no %q task", info.RunID, generationTaskKey)
		}
		out, err = r.getOutput(ctx, taskRunID)
	}
	if err != nil {
		return "", fmt.Errorf("getting output of run %d: %w", info.RunID, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("run %d failed: %s", info.RunID, out.Error)
	}
	if out.NotebookOutput == nil {
		return "", nil
	}
	return out.NotebookOutput.Result, nil
}
