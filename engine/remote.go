package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// remoteClient is the request-style interface to the authority. Every
// mutation returns the authoritative entity wrapped in an envelope; the
// server-computed position always wins over the client's guess.
type remoteClient struct {
	base       string
	http       *http.Client
	credential func() string
}

func newRemoteClient(base string, client *http.Client, credential func() string) *remoteClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &remoteClient{base: base, http: client, credential: credential}
}

// ListTasks fetches the full task list for a project.
func (r *remoteClient) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	req, err := r.newRequest(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/tasks", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return nil, classifyTransport(err)
	}
	var envelope domain.ListEnvelope
	if resp.StatusCode != http.StatusOK {
		_ = sonic.Unmarshal(data, &envelope)
		return nil, classifyStatus(resp.StatusCode, envelope.Error)
	}
	if err := sonic.Unmarshal(data, &envelope); err != nil {
		return nil, &Error{Kind: KindServer, Message: "malformed task list", Err: err}
	}
	return envelope.Tasks, nil
}

// CreateTask asks the authority to create a task in the project.
func (r *remoteClient) CreateTask(ctx context.Context, projectID string, patch domain.TaskPatch) (domain.Task, error) {
	return r.doTask(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/tasks", patch)
}

// UpdateTask patches a task's fields.
func (r *remoteClient) UpdateTask(ctx context.Context, projectID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	return r.doTask(ctx, http.MethodPatch, r.taskPath(projectID, taskID, ""), patch)
}

// MoveTask relocates a task and returns the entity with the authoritative
// server-recomputed position.
func (r *remoteClient) MoveTask(ctx context.Context, projectID, taskID string, move domain.MoveRequest) (domain.Task, error) {
	return r.doTask(ctx, http.MethodPost, r.taskPath(projectID, taskID, "/move"), move)
}

// DeleteTask removes a task.
func (r *remoteClient) DeleteTask(ctx context.Context, projectID, taskID string) error {
	req, err := r.newRequest(ctx, http.MethodDelete, r.taskPath(projectID, taskID, ""), nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return r.envelopeError(resp)
}

func (r *remoteClient) taskPath(projectID, taskID, suffix string) string {
	return "/api/tasks/" + url.PathEscape(taskID) + suffix + "?project=" + url.QueryEscape(projectID)
}

func (r *remoteClient) doTask(ctx context.Context, method, path string, payload any) (domain.Task, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return domain.Task{}, &Error{Kind: KindValidation, Err: err}
	}
	req, err := r.newRequest(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return domain.Task{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return domain.Task{}, classifyTransport(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return domain.Task{}, classifyTransport(err)
	}
	var envelope domain.Envelope
	_ = sonic.Unmarshal(data, &envelope)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Task{}, classifyStatus(resp.StatusCode, envelope.Error)
	}
	if envelope.Data == nil {
		return domain.Task{}, &Error{Kind: KindServer, Message: "envelope missing data"}
	}
	return *envelope.Data, nil
}

func (r *remoteClient) envelopeError(resp *http.Response) error {
	var envelope domain.Envelope
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	_ = sonic.Unmarshal(data, &envelope)
	return classifyStatus(resp.StatusCode, envelope.Error)
}

func (r *remoteClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+r.credential())
	return req, nil
}
