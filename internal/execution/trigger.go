// Package execution signals the external fleet when a spec becomes runnable.
// Triggers are fire-and-forget: they run after the state transition has
// committed and never roll it back.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"planline/internal/domain"
)

const (
	defaultTimeout = 5 * time.Second
	maxAttempts    = 3
)

// Trigger asks the execution fleet to begin work on a spec. Receivers must
// tolerate repeated signals for the same (plan_id, spec_index).
type Trigger interface {
	TriggerSpec(ctx context.Context, planID string, specIndex int, spec domain.Spec) error
}

// Disabled is a no-op trigger for local development and tests.
type Disabled struct {
	Logger *slog.Logger
}

func (d Disabled) TriggerSpec(ctx context.Context, planID string, specIndex int, spec domain.Spec) error {
	if d.Logger != nil {
		d.Logger.Info("execution disabled, skipping spec trigger",
			"plan_id", planID, "spec_index", specIndex, "status", spec.Status)
	}
	return nil
}

// Notifier POSTs the spec to the fleet endpoint with a bounded timeout.
type Notifier struct {
	URL    string
	Token  string
	Logger *slog.Logger
	Client *http.Client
}

// NewNotifier builds a Notifier; an empty url yields a Disabled trigger.
func NewNotifier(url, token string, logger *slog.Logger) Trigger {
	if strings.TrimSpace(url) == "" {
		return Disabled{Logger: logger}
	}
	return &Notifier{
		URL:    url,
		Token:  token,
		Logger: logger,
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

type triggerBody struct {
	PlanID    string      `json:"plan_id"`
	SpecIndex int         `json:"spec_index"`
	Spec      domain.Spec `json:"spec"`
}

func (n *Notifier) TriggerSpec(ctx context.Context, planID string, specIndex int, spec domain.Spec) error {
	// History stays server-side.
	spec.History = nil
	data, err := json.Marshal(triggerBody{PlanID: planID, SpecIndex: specIndex, Spec: spec})
	if err != nil {
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	op := func() error {
		return n.post(ctx, data)
	}
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("trigger spec %d of plan %s: %w", specIndex, planID, err)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
	res, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// Fire runs the trigger in the background with its own deadline and logs
// failures at warn. Call after commit; the HTTP response never waits on it.
func Fire(t Trigger, logger *slog.Logger, planID string, specIndex int, spec domain.Spec) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*defaultTimeout)
		defer cancel()
		if err := t.TriggerSpec(ctx, planID, specIndex, spec); err != nil {
			logger.Warn("execution trigger failed",
				"plan_id", planID, "spec_index", specIndex, "error", err.Error())
		}
	}()
}
