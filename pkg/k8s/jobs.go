package k8s

import (
	"bytes"
	"context"
	"fmt"
	"io"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
)

const (
	// KueueQueueLabel is the label key for Kueue queue name
	KueueQueueLabel = "kueue.x-k8s.io/queue-name"

	maxLogBytes = 1 << 20
)

// JobManager handles batch Job operations in one namespace.
type JobManager struct {
	client    kubernetes.Interface
	namespace string
}

func NewJobManager(client kubernetes.Interface, namespace string) *JobManager {
	return &JobManager{
		client:    client,
		namespace: namespace,
	}
}

func (jm *JobManager) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return jm.client.BatchV1().Jobs(jm.namespace).Create(ctx, job, metav1.CreateOptions{})
}

func (jm *JobManager) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	return jm.client.BatchV1().Jobs(jm.namespace).Get(ctx, name, metav1.GetOptions{})
}

func (jm *JobManager) UpdateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return jm.client.BatchV1().Jobs(jm.namespace).Update(ctx, job, metav1.UpdateOptions{})
}

// DeleteJob deletes a Job and its pods.
func (jm *JobManager) DeleteJob(ctx context.Context, name string) error {
	deletePolicy := metav1.DeletePropagationForeground
	return jm.client.BatchV1().Jobs(jm.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &deletePolicy,
	})
}

func (jm *JobManager) ListJobs(ctx context.Context, labelSelector string) (*batchv1.JobList, error) {
	return jm.client.BatchV1().Jobs(jm.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
}

// GetPodLogs returns up to tailLines of a pod's log, capped at 1MiB.
func (jm *JobManager) GetPodLogs(ctx context.Context, podName string, tailLines int64) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = ptr.To(tailLines)
	}
	logs, err := jm.client.CoreV1().Pods(jm.namespace).GetLogs(podName, opts).Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("getting pod logs: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(logs, maxLogBytes)); err != nil {
		return "", fmt.Errorf("reading pod logs: %w", err)
	}
	return buf.String(), nil
}

// GetJobPods returns all pods for a given job
func (jm *JobManager) GetJobPods(ctx context.Context, jobName string) (*corev1.PodList, error) {
	return jm.client.CoreV1().Pods(jm.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", jobName),
	})
}
