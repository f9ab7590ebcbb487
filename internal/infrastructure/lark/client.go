// Package lark is a minimal client for the Lark (Feishu) open API:
// message send/edit, user lookup, department rosters and urgent pings.
// Tenant access tokens are cached and refreshed transparently.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"
	messagePath     = "/open-apis/im/v1/messages"
	contactPath     = "/open-apis/contact/v3/users"
)

// tokenSlack is subtracted from the advertised token lifetime so we
// refresh slightly before Lark actually expires it.
const tokenSlack = 5 * time.Second

// APIError is a Lark response with a non-zero code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lark: code %d: %s", e.Code, e.Msg)
}

type Client struct {
	appID     string
	appSecret string
	host      string
	filterIDs map[string]struct{}
	httpc     *http.Client

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewClient builds a client against the given Lark host. filterIDs are
// open ids excluded from department rosters (bots, service accounts).
func NewClient(appID, appSecret, host string, filterIDs []string) *Client {
	filter := make(map[string]struct{}, len(filterIDs))
	for _, id := range filterIDs {
		if id != "" {
			filter[id] = struct{}{}
		}
	}
	return &Client{
		appID:     appID,
		appSecret: appSecret,
		host:      strings.TrimRight(host, "/"),
		filterIDs: filter,
		httpc:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers content to one recipient and returns the message id.
// Group chat ids (oc_ prefix) and user open ids are told apart by
// prefix, which is how Lark namespaces them.
func (c *Client) Send(ctx context.Context, recipientID, msgType, content string) (string, error) {
	receiveIDType := "open_id"
	if strings.HasPrefix(recipientID, "oc_") {
		receiveIDType = "chat_id"
	}
	endpoint := fmt.Sprintf("%s%s?receive_id_type=%s", c.host, messagePath, receiveIDType)

	body := map[string]string{
		"receive_id": recipientID,
		"msg_type":   msgType,
		"content":    content,
	}
	var resp struct {
		Data struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return "", fmt.Errorf("send to %s: %w", recipientID, err)
	}
	return resp.Data.MessageID, nil
}

// Update replaces the content of an already-sent message.
func (c *Client) Update(ctx context.Context, messageID, content string) error {
	endpoint := fmt.Sprintf("%s%s/%s", c.host, messagePath, url.PathEscape(messageID))
	body := map[string]string{"content": content}
	if err := c.call(ctx, http.MethodPatch, endpoint, body, nil); err != nil {
		return fmt.Errorf("update %s: %w", messageID, err)
	}
	return nil
}

// LookupUser resolves an open id to the user's display name.
func (c *Client) LookupUser(ctx context.Context, openID string) (string, error) {
	endpoint := fmt.Sprintf("%s%s/%s", c.host, contactPath, url.PathEscape(openID))
	var resp struct {
		Data struct {
			User struct {
				Name string `json:"name"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", fmt.Errorf("lookup user %s: %w", openID, err)
	}
	return resp.Data.User.Name, nil
}

// DepartmentUsers lists the open ids of a department's members, minus
// the configured filter ids.
func (c *Client) DepartmentUsers(ctx context.Context, departmentID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s%s/find_by_department?department_id=%s",
		c.host, contactPath, url.QueryEscape(departmentID))
	var resp struct {
		Data struct {
			Items []struct {
				OpenID string `json:"open_id"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("department %s: %w", departmentID, err)
	}

	ids := make([]string, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		if _, skip := c.filterIDs[item.OpenID]; skip {
			continue
		}
		ids = append(ids, item.OpenID)
	}
	return ids, nil
}

// Buzz sends an in-app urgent ping for a message to the given users.
func (c *Client) Buzz(ctx context.Context, messageID string, openIDs []string) error {
	endpoint := fmt.Sprintf("%s%s/%s/urgent_app?user_id_type=open_id",
		c.host, messagePath, url.PathEscape(messageID))
	body := map[string][]string{"user_id_list": openIDs}
	if err := c.call(ctx, http.MethodPatch, endpoint, body, nil); err != nil {
		return fmt.Errorf("buzz %s: %w", messageID, err)
	}
	return nil
}

// call performs one authorized API request and decodes the enveloped
// response, refreshing the tenant token first if needed.
func (c *Client) call(ctx context.Context, method, endpoint string, body, out any) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var envelope struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	var buf bytes.Buffer
	if err := json.NewDecoder(io.TeeReader(resp.Body, &buf)).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != 0 {
		return &APIError{Code: envelope.Code, Msg: envelope.Msg}
	}
	if out != nil {
		if err := json.Unmarshal(buf.Bytes(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// tenantToken returns a cached tenant access token, fetching a fresh
// one when the cache is empty or about to expire.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpires) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+tenantTokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("tenant token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tenant token: unexpected status code: %d", resp.StatusCode)
	}
	var tokenResp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("tenant token: decode: %w", err)
	}
	if tokenResp.Code != 0 {
		return "", &APIError{Code: tokenResp.Code, Msg: tokenResp.Msg}
	}

	c.token = tokenResp.TenantAccessToken
	c.tokenExpires = time.Now().Add(time.Duration(tokenResp.Expire)*time.Second - tokenSlack)
	return c.token, nil
}
