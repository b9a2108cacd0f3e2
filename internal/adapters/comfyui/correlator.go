package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// maxErrorBody bounds how much of a failed response is kept in errors.
const maxErrorBody = 200

// SubmitOptions carries the optional per-job callbacks.
type SubmitOptions struct {
	// OnProgress receives progress events for the job, in arrival order, on
	// the connection goroutine. It must not block.
	OnProgress func(domain.Progress)
	// OnComplete runs exactly once with the job's final result.
	OnComplete func([]domain.OutputAsset, error)
}

// Task is the pending result of a submitted job.
type Task struct {
	id      domain.PromptID
	client  *Client
	done    chan struct{}
	once    sync.Once
	outputs []domain.OutputAsset
	err     error
}

func newTask(c *Client, id domain.PromptID, onComplete func([]domain.OutputAsset, error)) *Task {
	t := &Task{id: id, client: c, done: make(chan struct{})}
	if onComplete != nil {
		go func() {
			<-t.done
			onComplete(t.outputs, t.err)
		}()
	}
	return t
}

// PromptID returns the server-issued job identifier.
func (t *Task) PromptID() domain.PromptID { return t.id }

// Done is closed once the job has settled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the job settles or ctx ends. Ending ctx does not
// abandon the job; see Abandon.
func (t *Task) Wait(ctx context.Context) ([]domain.OutputAsset, error) {
	select {
	case <-t.done:
		return t.outputs, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abandon stops tracking the job. Events that arrive for it later are
// discarded, and the task settles with context.Canceled if it had not
// settled yet.
func (t *Task) Abandon() {
	t.client.forget(t.id)
	t.settle(nil, context.Canceled)
}

// settle records the result once; later calls are ignored.
func (t *Task) settle(outputs []domain.OutputAsset, err error) bool {
	settled := false
	t.once.Do(func() {
		t.outputs = outputs
		t.err = err
		settled = true
		close(t.done)
	})
	return settled
}

// runningJob is the per-job correlation record.
type runningJob struct {
	task       *Task
	onProgress func(domain.Progress)
	node       domain.NodeID
	outputs    []domain.OutputAsset
}

// Run submits job and waits for its outputs. onSubmitted, if set, receives
// the prompt id before waiting starts. If ctx ends first the job is
// abandoned and ctx's error is returned.
func (c *Client) Run(ctx context.Context, job domain.Job, onSubmitted func(domain.PromptID), onProgress func(domain.Progress)) ([]domain.OutputAsset, error) {
	task, err := c.Submit(ctx, job, SubmitOptions{OnProgress: onProgress})
	if err != nil {
		return nil, err
	}
	if onSubmitted != nil {
		onSubmitted(task.PromptID())
	}
	outputs, err := task.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		task.Abandon()
		return nil, ctx.Err()
	}
	return outputs, err
}

// Submit waits until no uploads are pending, a session identity exists and
// the API prefix is known, then posts the job. The returned Task is
// registered before any later event is dispatched.
func (c *Client) Submit(ctx context.Context, job domain.Job, opts SubmitOptions) (*Task, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	for {
		sid, err := c.awaitPreconditions(ctx)
		if err != nil {
			return nil, err
		}

		c.dispatchMu.Lock()
		if !c.readyToPost(sid) {
			// The connection dropped or an upload started while we waited
			// for the lock.
			c.dispatchMu.Unlock()
			continue
		}
		task, err := c.submitLocked(ctx, body, sid, opts)
		c.dispatchMu.Unlock()
		return task, err
	}
}

// submitLocked posts the job and registers its record. The caller holds
// dispatchMu, which keeps the connection goroutine from dispatching events
// until the record exists.
func (c *Client) submitLocked(ctx context.Context, body []byte, sid string, opts SubmitOptions) (*Task, error) {
	// Close must not wait for a slow server while dispatch is held.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	id, err := c.postPrompt(ctx, body, sid)
	if err != nil {
		return nil, err
	}

	task := newTask(c, id, opts.OnComplete)
	c.mu.Lock()
	if c.closed || c.connErr != nil {
		c.mu.Unlock()
		task.settle(nil, c.terminalErr(errAborted))
		return task, nil
	}
	c.jobs[id] = &runningJob{task: task, onProgress: opts.OnProgress}
	c.mu.Unlock()

	c.logger.Info("job submitted", "prompt_id", id)
	return task, nil
}

// awaitPreconditions returns the session identity once the upload queue is
// drained, a session exists and prefix detection has concluded, all at
// the same moment.
func (c *Client) awaitPreconditions(ctx context.Context) (string, error) {
	for {
		if err := c.uploadsDrained.Wait(ctx, c.connDone); err != nil {
			return "", c.terminalErr(err)
		}
		sid, err := c.awaitSession(ctx)
		if err != nil {
			return "", err
		}
		if _, err := c.resolver.wait(ctx); err != nil {
			return "", err
		}

		if c.readyToPost(sid) {
			return sid, nil
		}
	}
}

// readyToPost reports whether sid is still the session identity and the
// upload queue is empty.
func (c *Client) readyToPost(sid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) == 0 && c.sid == sid
}

// postPrompt sends the job and returns its identifier.
func (c *Client) postPrompt(ctx context.Context, job []byte, sid string) (domain.PromptID, error) {
	payload, err := json.Marshal(promptRequest{Prompt: job, ClientID: sid})
	if err != nil {
		return "", fmt.Errorf("encode prompt request: %w", err)
	}

	url, err := c.endpoint(ctx, "/prompt")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("posting prompt", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit prompt: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read prompt response: %w", err)
	}
	c.logger.Debug("prompt response", "status", resp.StatusCode, "body", truncate(raw, maxErrorBody))

	return parsePromptResponse(resp.StatusCode, raw)
}

// parsePromptResponse turns a /prompt reply into a prompt id or a
// SubmissionError.
func parsePromptResponse(status int, raw []byte) (domain.PromptID, error) {
	if status < 200 || status > 299 {
		subErr := &domain.SubmissionError{StatusCode: status, Body: truncate(raw, maxErrorBody)}
		var env errorEnvelope
		if err := json.Unmarshal(raw, &env); err == nil {
			subErr.NodeErrors = env.NodeErrors
			if env.Error != nil {
				subErr.Type = env.Error.Type
				subErr.Message = env.Error.Message
				if env.Error.Details != nil {
					subErr.Details = fmt.Sprint(env.Error.Details)
				}
			}
		}
		return "", subErr
	}

	var resp promptResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", &domain.SubmissionError{StatusCode: status, Body: truncate(raw, maxErrorBody), Err: err}
		}
	}
	if resp.PromptID == "" {
		return "", &domain.SubmissionError{
			StatusCode: status,
			Body:       truncate(raw, maxErrorBody),
			Err:        fmt.Errorf("no prompt_id returned"),
		}
	}
	return resp.PromptID, nil
}

// trackProgress updates node tracking and returns the job's progress
// callback bound to p.
func (c *Client) trackProgress(p domain.Progress) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = p.PromptID
	job, ok := c.jobs[p.PromptID]
	if !ok {
		return nil
	}
	job.node = p.Node
	if job.onProgress == nil {
		return nil
	}
	cb := job.onProgress
	return func() { cb(p) }
}

func (c *Client) trackNode(id domain.PromptID, node domain.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = id
	if job, ok := c.jobs[id]; ok {
		job.node = node
	}
}

// handleBinary attributes a binary frame to the currently executing job.
func (c *Client) handleBinary(frame []byte) {
	data, contentType, ok := decodeFrame(frame)
	if !ok {
		c.logger.Warn("discarding short binary frame", "size", len(frame))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[c.current]
	if !ok {
		c.logger.Debug("discarding binary frame for untracked job", "prompt_id", c.current)
		return
	}
	job.outputs = append(job.outputs, domain.OutputAsset{
		Node:        job.node,
		ContentType: contentType,
		Data:        data,
	})
}

// claim removes and returns the record for id, making the caller the only
// one allowed to settle it.
func (c *Client) claim(id domain.PromptID) (*runningJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return nil, false
	}
	delete(c.jobs, id)
	if c.current == id {
		c.current = ""
	}
	return job, true
}

func (c *Client) forget(id domain.PromptID) {
	c.claim(id)
}

// finishSuccess fetches the history record off the connection goroutine and
// settles the job with binary outputs followed by history outputs.
func (c *Client) finishSuccess(id domain.PromptID) {
	job, ok := c.claim(id)
	if !ok {
		return
	}
	c.logger.Info("execution succeeded", "prompt_id", id)

	outputs := job.outputs
	started := c.spawn(func() {
		history, err := c.historyOutputs(c.ctx, id)
		if err != nil && c.ctx.Err() != nil {
			job.task.settle(nil, domain.ErrClientClosed)
			return
		}
		if err != nil {
			c.logger.Warn("history lookup failed", "prompt_id", id, "error", err)
			job.task.settle(nil, fmt.Errorf("fetch outputs for %s: %w", id, err))
			return
		}
		job.task.settle(append(outputs, history...), nil)
	})
	if !started {
		job.task.settle(nil, domain.ErrClientClosed)
	}
}

func (c *Client) finishFailure(id domain.PromptID, err error) {
	job, ok := c.claim(id)
	if !ok {
		return
	}
	c.logger.Warn("execution failed", "prompt_id", id, "error", err)
	job.task.settle(nil, err)
}

// failAll settles every outstanding job with err.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	jobs := c.jobs
	c.jobs = make(map[domain.PromptID]*runningJob)
	c.current = ""
	c.mu.Unlock()

	for id, job := range jobs {
		if job.task.settle(nil, err) {
			c.logger.Warn("job abandoned", "prompt_id", id, "error", err)
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
