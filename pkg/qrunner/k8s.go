package qrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/quatton/runbookgen/pkg/k8s"
	"github.com/quatton/runbookgen/pkg/qart"
	"github.com/quatton/runbookgen/pkg/qjob"
)

const (
	RunIDLabel           = "runbookgen.run-id"
	modelAnnotation      = "runbookgen.model"
	inputsAnnotation     = "runbookgen.input-files"
	cancelledAnnotation  = "runbookgen.cancelled"
	failureLogTailLines  = 20
	pipelineContainerKey = "pipeline"
)

// K8sRunner executes runs as Kubernetes Jobs, optionally admitted by Kueue.
// The pipeline container uploads its output to the artifact store, which is
// where ReadOutput looks for it.
type K8sRunner struct {
	jobManager *k8s.JobManager
	namespace  string
	queueName  string
	container  ContainerConfig
	artifacts  qart.Store
}

type K8sRunnerOption func(*K8sRunner)

// WithQueue submits Jobs suspended with the Kueue queue label set.
func WithQueue(name string) K8sRunnerOption {
	return func(r *K8sRunner) { r.queueName = name }
}

func WithContainer(cfg ContainerConfig) K8sRunnerOption {
	return func(r *K8sRunner) { r.container = cfg }
}

func NewK8sRunner(client kubernetes.Interface, namespace string, artifacts qart.Store, opts ...K8sRunnerOption) *K8sRunner {
	r := &K8sRunner{
		jobManager: k8s.NewJobManager(client, namespace),
		namespace:  namespace,
		container:  DefaultContainerConfig(),
		artifacts:  artifacts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *K8sRunner) Name() string { return "k8s" }

func jobName(runID string) string {
	return "runbook-" + runID
}

// Submit creates the Job for spec.
func (r *K8sRunner) Submit(ctx context.Context, spec JobSpec) (*Run, error) {
	runID := spec.ID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating run id: %w", err)
		}
		runID = id.String()
	}

	resources, err := r.container.Resources.toK8s()
	if err != nil {
		return nil, err
	}
	inputs, err := json.Marshal(spec.InputFiles)
	if err != nil {
		return nil, fmt.Errorf("encoding input files: %w", err)
	}

	env := map[string]string{
		"RUNBOOK_RUN_ID":      runID,
		"RUNBOOK_MODEL":       spec.ModelID,
		"RUNBOOK_INPUT_FILES": strings.Join(spec.InputFiles, "\n"),
		"RUNBOOK_OUTPUT_KEY":  qart.RunArtifactKey(runID, qart.OutputFile),
	}
	maps.Copy(env, spec.Env)

	labels := map[string]string{RunIDLabel: runID}
	if r.queueName != "" {
		labels[k8s.KueueQueueLabel] = r.queueName
	}

	var envFrom []corev1.EnvFromSource
	for _, name := range r.container.SecretEnvFrom {
		envFrom = append(envFrom, corev1.EnvFromSource{
			SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}},
		})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(runID),
			Namespace: r.namespace,
			Labels:    labels,
			Annotations: map[string]string{
				modelAnnotation:  spec.ModelID,
				inputsAnnotation: string(inputs),
			},
		},
		Spec: batchv1.JobSpec{
			Parallelism: ptr.To(int32(1)),
			Completions: ptr.To(int32(1)),
			// Kueue unsuspends the Job once admitted
			Suspend:      ptr.To(r.queueName != ""),
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{RunIDLabel: runID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: r.container.ServiceAccount,
					Containers: []corev1.Container{
						{
							Name:      pipelineContainerKey,
							Image:     r.container.Image,
							Command:   r.container.Command,
							Env:       envMapToEnvVars(env),
							EnvFrom:   envFrom,
							Resources: resources,
						},
					},
				},
			},
		},
	}

	created, err := r.jobManager.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return r.jobToRun(ctx, created), nil
}

func (r *K8sRunner) getJob(ctx context.Context, runID string) (*batchv1.Job, error) {
	if runID == "" {
		return nil, ErrRunNotFound
	}
	job, err := r.jobManager.GetJob(ctx, jobName(runID))
	if apierrors.IsNotFound(err) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// GetRun fetches the current state of a run
func (r *K8sRunner) GetRun(ctx context.Context, runID string) (*Run, error) {
	job, err := r.getJob(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r.jobToRun(ctx, job), nil
}

// Cancel suspends the Job, which terminates its pods, and marks it
// cancelled so later reads report TERMINATED.
func (r *K8sRunner) Cancel(ctx context.Context, runID string) error {
	job, err := r.getJob(ctx, runID)
	if err != nil {
		return err
	}
	if jobStatus(job).Terminal() {
		return ErrRunFinished
	}

	if job.Annotations == nil {
		job.Annotations = map[string]string{}
	}
	job.Annotations[cancelledAnnotation] = "true"
	job.Spec.Suspend = ptr.To(true)
	if _, err := r.jobManager.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("suspending job: %w", err)
	}
	return nil
}

// ListRuns lists all runs, optionally filtered by status
func (r *K8sRunner) ListRuns(ctx context.Context, status *qjob.Status) ([]*Run, error) {
	jobs, err := r.jobManager.ListJobs(ctx, RunIDLabel)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var runs []*Run
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if status != nil && jobStatus(job) != *status {
			continue
		}
		runs = append(runs, jobSummary(job))
	}
	slices.SortFunc(runs, func(a, b *Run) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return runs, nil
}

// ReadOutput opens the document the pipeline uploaded for runID.
func (r *K8sRunner) ReadOutput(ctx context.Context, runID string) (io.ReadCloser, error) {
	job, err := r.getJob(ctx, runID)
	if err != nil {
		return nil, err
	}
	if jobStatus(job) != qjob.StatusSuccess {
		return nil, ErrOutputNotReady
	}

	rc, err := r.artifacts.Download(ctx, qart.RunArtifactKey(runID, qart.OutputFile))
	if errors.Is(err, qart.ErrNotFound) {
		return nil, ErrOutputNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("downloading output: %w", err)
	}
	return rc, nil
}

// jobSummary converts a Job without looking at its pods.
func jobSummary(job *batchv1.Job) *Run {
	run := &Run{
		ID:        job.Labels[RunIDLabel],
		Backend:   "k8s",
		ModelID:   job.Annotations[modelAnnotation],
		Status:    jobStatus(job),
		CreatedAt: job.CreationTimestamp.Time,
		Metadata: map[string]string{
			"k8s_job_name":  job.Name,
			"k8s_namespace": job.Namespace,
		},
	}
	if raw := job.Annotations[inputsAnnotation]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &run.InputFiles)
	}
	if job.Status.StartTime != nil {
		run.StartedAt = ptr.To(job.Status.StartTime.Time)
	}
	if job.Status.CompletionTime != nil {
		run.FinishedAt = ptr.To(job.Status.CompletionTime.Time)
	}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		if c.Type == batchv1.JobFailed {
			run.Message = c.Message
			run.FinishedAt = ptr.To(c.LastTransitionTime.Time)
		}
	}
	if run.Status == qjob.StatusTerminated && run.Message == "" {
		run.Message = "run cancelled"
	}
	return run
}

func (r *K8sRunner) jobToRun(ctx context.Context, job *batchv1.Job) *Run {
	run := jobSummary(job)
	if run.Status == qjob.StatusSuccess {
		run.OutputPath = qart.RunArtifactKey(run.ID, qart.OutputFile)
	}

	pods, err := r.jobManager.GetJobPods(ctx, job.Name)
	if err != nil || len(pods.Items) == 0 {
		return run
	}
	pod := &pods.Items[0]
	if run.StartedAt == nil && pod.Status.StartTime != nil {
		run.StartedAt = ptr.To(pod.Status.StartTime.Time)
	}
	for _, status := range pod.Status.ContainerStatuses {
		if status.State.Terminated != nil {
			run.ExitCode = ptr.To(int(status.State.Terminated.ExitCode))
		}
	}
	run.LogsPath = "pod/" + pod.Name

	if run.Status == qjob.StatusFailed {
		logs, err := r.jobManager.GetPodLogs(ctx, pod.Name, failureLogTailLines)
		if err == nil && strings.TrimSpace(logs) != "" {
			if run.Message != "" {
				run.Message += ": "
			}
			run.Message += strings.TrimSpace(logs)
		}
	}
	return run
}

func jobStatus(job *batchv1.Job) qjob.Status {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return qjob.StatusSuccess
		case batchv1.JobFailed:
			if c.Reason == batchv1.JobReasonDeadlineExceeded {
				return qjob.StatusTerminated
			}
			return qjob.StatusFailed
		}
	}

	if job.Annotations[cancelledAnnotation] == "true" {
		return qjob.StatusTerminated
	}
	// Suspended Jobs are waiting for Kueue admission.
	if job.Spec.Suspend != nil && *job.Spec.Suspend {
		return qjob.StatusPending
	}
	if job.Status.Active > 0 && job.Status.Ready != nil && *job.Status.Ready > 0 {
		return qjob.StatusRunning
	}
	if job.Status.Active > 0 && job.Status.StartTime != nil {
		return qjob.StatusRunning
	}
	return qjob.StatusPending
}

func envMapToEnvVars(envMap map[string]string) []corev1.EnvVar {
	keys := slices.Sorted(maps.Keys(envMap))
	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: envMap[k]})
	}
	return envVars
}

