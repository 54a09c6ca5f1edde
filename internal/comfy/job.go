package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobRequest is the worker-tier job payload: a workflow template plus the
// values to inject into it.
type JobRequest struct {
	Workflow json.RawMessage `json:"workflow"`
	Input    JobInput        `json:"input"`
}

// ExecuteOptions bound a job run.
type ExecuteOptions struct {
	InputDir     string        // where injected input images are written
	PollInterval time.Duration // queue poll spacing (default 1s)
	Timeout      time.Duration // completion budget (default 5m)
}

// Execute runs one job end to end: validate and inject the workflow, submit
// it, wait for it to leave the queue, and collect the output images.
func (c *Client) Execute(ctx context.Context, req JobRequest, opts ExecuteOptions) (*Result, error) {
	wf, err := ParseWorkflow(req.Workflow)
	if err != nil {
		return nil, err
	}
	if err := wf.Inject(req.Input, opts.InputDir); err != nil {
		return nil, err
	}
	raw, err := wf.Bytes()
	if err != nil {
		return nil, err
	}
	promptID, err := c.QueuePrompt(ctx, raw)
	if err != nil {
		return nil, err
	}
	pctx, cancelProgress := context.WithCancel(ctx)
	defer cancelProgress()
	c.logProgress(pctx, promptID)

	if err := c.AwaitCompletion(ctx, promptID, opts.PollInterval, opts.Timeout); err != nil {
		var te *ErrTimeout
		if errors.As(err, &te) {
			// the workflow is still running server-side; cancel it so the
			// next job does not queue behind it
			ictx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if ierr := c.Interrupt(ictx); ierr != nil {
				c.logger.Warn("interrupt after timeout failed", "err", ierr)
			}
			cancel()
		}
		return nil, err
	}
	return c.FetchResult(ctx, promptID)
}

// logProgress follows the websocket progress stream for promptID and logs
// updates until ctx ends. The stream is best-effort; queue polling remains
// the completion authority.
func (c *Client) logProgress(ctx context.Context, promptID string) {
	ch, err := c.ListenProgress(ctx)
	if err != nil {
		c.logger.Debug("progress stream unavailable", "err", err)
		return
	}
	go func() {
		for p := range ch {
			if p.PromptID != promptID {
				continue
			}
			if p.Done {
				c.logger.Debug("execution finished", "prompt_id", promptID)
				return
			}
			c.logger.Info("job progress", "prompt_id", promptID, "value", p.Value, "max", p.Max)
		}
	}()
}
