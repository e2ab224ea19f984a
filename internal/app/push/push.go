// Package push wraps the external push provider used to reach driver
// devices. Sends are best-effort: the notifier never propagates an error to
// the caller, it only reports whether a message went out.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rutaops/dispatch/internal/app/storage"
	"github.com/rutaops/dispatch/pkg/logger"
	"github.com/rutaops/dispatch/pkg/metrics"
)

// Notification is a data-only push. Title and body travel inside the data map
// so every receiver surfaces them the same way regardless of app state.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Config points at the provider endpoint.
type Config struct {
	Endpoint string
	APIKey   string
}

// Notifier sends pushes and prunes stale device tokens.
type Notifier struct {
	cfg    Config
	client *http.Client
	users  storage.UserStore
	log    *logger.Logger
}

// NewNotifier builds a Notifier. A nil-safe zero Endpoint disables sending.
func NewNotifier(cfg Config, users storage.UserStore, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault("push")
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		users:  users,
		log:    log,
	}
}

type message struct {
	To   string            `json:"to"`
	Data map[string]string `json:"data"`
	// Priority high wakes the device radio for time-sensitive updates.
	Priority string `json:"priority"`
}

// SendToUser pushes to the user's registered device. Returns false when the
// user has no token, the provider rejects the send, or sending is disabled.
func (n *Notifier) SendToUser(ctx context.Context, userID string, notif Notification) bool {
	if n.cfg.Endpoint == "" {
		return false
	}

	u, err := n.users.GetUser(ctx, userID)
	if err != nil {
		n.log.WithError(err).WithField("user_id", userID).Warn("push: load user")
		metrics.ObservePushSend("error")
		return false
	}
	if u.PushToken == "" {
		metrics.ObservePushSend("no_token")
		return false
	}

	data := make(map[string]string, len(notif.Data)+2)
	for k, v := range notif.Data {
		data[k] = v
	}
	data["title"] = notif.Title
	data["body"] = notif.Body

	body, err := json.Marshal(message{To: u.PushToken, Data: data, Priority: "high"})
	if err != nil {
		metrics.ObservePushSend("error")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		metrics.ObservePushSend("error")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.WithError(err).WithField("user_id", userID).Warn("push: send failed")
		metrics.ObservePushSend("error")
		return false
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if staleToken(resp.StatusCode, respBody) {
		// The device uninstalled or rotated its token; stop sending to it.
		if err := n.users.SetPushToken(ctx, userID, ""); err != nil {
			n.log.WithError(err).WithField("user_id", userID).Warn("push: clear stale token")
		}
		metrics.ObservePushSend("stale_token")
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.WithField("status", resp.StatusCode).WithField("user_id", userID).Warn("push: provider error")
		metrics.ObservePushSend("error")
		return false
	}

	metrics.ObservePushSend("delivered")
	return true
}

// staleToken recognizes the provider's invalid-registration responses.
func staleToken(status int, body []byte) bool {
	if status == http.StatusGone {
		return true
	}
	s := string(body)
	return strings.Contains(s, "DeviceNotRegistered") ||
		strings.Contains(s, "NotRegistered") ||
		strings.Contains(s, "InvalidRegistration")
}
