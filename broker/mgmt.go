package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ListQueues asks the management API for every queue with its depth and
// consumer count. Returns ErrNoManagementAPI when no management URL is
// configured; callers then fall back to per-queue passive declares over the
// statically known names.
func (a *Adapter) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	if a.cfg.ManagementURL == "" {
		return nil, ErrNoManagementAPI
	}

	u := strings.TrimRight(a.cfg.ManagementURL, "/") + "/api/queues?columns=name,messages,consumers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if user, pass, ok := a.credentials(); ok {
		req.SetBasicAuth(user, pass)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("management API: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{err: fmt.Errorf("management API rejected credentials (status %d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("management API returned status %d", resp.StatusCode)
	}

	var queues []QueueInfo
	if err := json.NewDecoder(resp.Body).Decode(&queues); err != nil {
		return nil, fmt.Errorf("decode management API response: %w", err)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// credentials reuses the AMQP URI's username and password for the
// management API, which is how the broker ships by default.
func (a *Adapter) credentials() (user, pass string, ok bool) {
	parsed, err := amqp.ParseURI(a.cfg.URL)
	if err != nil || parsed.Username == "" {
		return "", "", false
	}
	return parsed.Username, parsed.Password, true
}
