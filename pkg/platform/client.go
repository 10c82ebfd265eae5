// Package platform talks to the broadcast platform's private web API with an
// operator's session cookies and implements broadcast.Provider on top of it.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"instream-live-server/pkg/broadcast"
	"instream-live-server/pkg/config"
	"instream-live-server/pkg/publish"
)

const appID = "936619743392459"

var (
	_ broadcast.Provider      = (*Client)(nil)
	_ broadcast.MediaResolver = (*Client)(nil)
	_ broadcast.Finisher      = (*live)(nil)
)

type Client struct {
	BaseURL       string
	HTTPUserAgent string
	Timeout       time.Duration
	DryRun        bool
	HTTPClient    *http.Client
	Publisher     publish.Publisher
	Logger        logrus.FieldLogger
	// EndTimeout bounds the end_broadcast call made after a publish run ends.
	EndTimeout time.Duration
}

func New(cfg config.ProviderConfig, pub publish.Publisher, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		BaseURL:       strings.TrimRight(cfg.APIBaseURL, "/"),
		HTTPUserAgent: cfg.HTTPUserAgent,
		Timeout:       cfg.Timeout,
		DryRun:        cfg.DryRun,
		HTTPClient:    &http.Client{Timeout: cfg.Timeout},
		Publisher:     pub,
		Logger:        logger,
		EndTimeout:    cfg.Timeout,
	}
}

// Authenticate resolves the credentials to a platform account. Rejected
// sessions yield a handle whose User is nil; only transport and unexpected
// API failures are returned as errors.
func (c *Client) Authenticate(ctx context.Context, creds broadcast.Credentials) (broadcast.Handle, error) {
	h := newLive(c, creds)
	userID := cookieValue(creds, "ds_user_id")
	if userID == "" || cookieValue(creds, "sessionid") == "" {
		return h, nil
	}
	if c.DryRun {
		h.user = &broadcast.User{ID: userID, Username: "dry-run"}
		return h, nil
	}

	var resp struct {
		User struct {
			PK       json.Number `json:"pk"`
			Username string      `json:"username"`
		} `json:"user"`
	}
	err := c.call(ctx, creds, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/info/", nil, &resp)
	if err != nil {
		if IsAuth(err) {
			c.Logger.WithField("user_id", userID).Info("platform rejected session")
			return h, nil
		}
		return nil, err
	}
	if resp.User.Username == "" {
		return h, nil
	}
	id := resp.User.PK.String()
	if id == "" {
		id = userID
	}
	h.user = &broadcast.User{ID: id, Username: resp.User.Username}
	return h, nil
}

// call performs one API request. A nil form sends no body; out may be nil.
func (c *Client) call(ctx context.Context, creds broadcast.Credentials, method, path string, form url.Values, out interface{}) error {
	reqURL := c.BaseURL + path
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Cookie", string(creds))
	req.Header.Set("X-IG-App-ID", appID)
	if token := cookieValue(creds, "csrftoken"); token != "" {
		req.Header.Set("X-CSRFToken", token)
	}
	if c.HTTPUserAgent != "" {
		req.Header.Set("User-Agent", c.HTTPUserAgent)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: path, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Kind: KindNetwork, Op: path, Err: err}
	}

	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &status)

	if resp.StatusCode != http.StatusOK || status.Status == "fail" {
		return classify(path, resp.StatusCode, status.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindUnexpected, Op: path, Message: "invalid response body", Err: err}
	}
	return nil
}

// cookieValue extracts one cookie from a raw "k=v; k2=v2" header string.
// Malformed pairs are skipped rather than failing the whole string.
func cookieValue(creds broadcast.Credentials, name string) string {
	for _, pair := range strings.Split(string(creds), ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.TrimSpace(k) == name {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}

func endpoint(format string, args ...interface{}) string {
	escaped := make([]interface{}, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return fmt.Sprintf(format, escaped...)
}
