/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/virtwatch/virt-watchdog/pkg/errdefs"
)

const (
	endpointTicket = "/api2/json/access/ticket"

	// Proxmox QEMU guest-agent and status endpoints, all parameterized by
	// node and VMID.
	endpointAgentFileRead = "/api2/json/nodes/%s/qemu/%s/agent/file-read"
	endpointStatusCurrent = "/api2/json/nodes/%s/qemu/%s/status/current"
	endpointStatusReset   = "/api2/json/nodes/%s/qemu/%s/status/reset"

	authCookieName  = "PVEAuthCookie"
	csrfTokenHeader = "CSRFPreventionToken"

	// A fresh ticket is valid for two hours on the hypervisor side. Renew
	// well before that so a poll never races an expiring session.
	ticketLifetime = 10 * time.Minute

	jsonContentType = "application/json"
)

type ProxmoxOpt struct {
	// Base URL of the API endpoint, e.g. "https://pve1.example.com:8006".
	URL      string
	Username string
	Password string
	// Accept self-signed certificates.
	AllowInvalidCert bool
}

// ProxmoxClient talks to a Proxmox VE compatible API. It implements
// Channel on top of the QEMU guest agent: the liveness token is read with
// agent/file-read and recovery is a status/reset request.
type ProxmoxClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	// Session ticket cache. The ticket and CSRF token are renewed
	// together once the lifetime elapses. loginMu serializes renewals so
	// concurrent polls that find the ticket expired share a single login.
	mu           sync.Mutex
	loginMu      sync.Mutex
	ticket       string
	csrf         string
	ticketExpiry time.Time
}

type sessionData struct {
	Ticket string `json:"ticket"`
	CSRF   string `json:"CSRFPreventionToken"`
}

func NewProxmoxClient(opt ProxmoxOpt) (*ProxmoxClient, error) {
	if opt.URL == "" {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "hypervisor url is required")
	}
	if u, err := url.ParseRequestURI(opt.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "malformed hypervisor url %q", opt.URL)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	if opt.AllowInvalidCert {
		retryClient.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &ProxmoxClient{
		baseURL:    strings.TrimRight(opt.URL, "/"),
		username:   opt.Username,
		password:   opt.Password,
		httpClient: retryClient.StandardClient(),
	}, nil
}

// login fetches a new session ticket. Transient login failures are retried
// with exponential backoff bounded by the caller's context.
func (c *ProxmoxClient) login(ctx context.Context) (sessionData, error) {
	var session sessionData

	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return session, errors.Wrap(err, "encode login request")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpointTicket, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", jsonContentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			// Bad credentials never get better by retrying.
			if resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(errors.Errorf("authentication rejected: %s", resp.Status))
			}
			return errors.Errorf("login failed: %s", resp.Status)
		}

		var payload struct {
			Data sessionData `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decode login response"))
		}
		if payload.Data.Ticket == "" {
			return backoff.Permanent(errors.New("login response carries no ticket"))
		}

		session = payload.Data
		return nil
	}, policy)

	return session, err
}

// session returns a valid cached ticket or logs in for a new one.
func (c *ProxmoxClient) session(ctx context.Context) (string, string, error) {
	if ticket, csrf, ok := c.cachedSession(); ok {
		return ticket, csrf, nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	// Another caller may have renewed the ticket while we waited.
	if ticket, csrf, ok := c.cachedSession(); ok {
		return ticket, csrf, nil
	}

	log.G(ctx).Debug("Hypervisor session expired, requesting new ticket")
	session, err := c.login(ctx)
	if err != nil {
		return "", "", errdefs.ClassifyTransport(err)
	}

	c.mu.Lock()
	c.ticket = session.Ticket
	c.csrf = session.CSRF
	c.ticketExpiry = time.Now().Add(ticketLifetime)
	c.mu.Unlock()

	return session.Ticket, session.CSRF, nil
}

func (c *ProxmoxClient) cachedSession() (string, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket != "" && time.Now().Before(c.ticketExpiry) {
		return c.ticket, c.csrf, true
	}
	return "", "", false
}

// invalidateSession drops the cached ticket so the next call logs in again.
func (c *ProxmoxClient) invalidateSession() {
	c.mu.Lock()
	c.ticket = ""
	c.mu.Unlock()
}

// request performs a ticketed API call and hands the decoded `data` field
// to respHandler. Errors are classified into the transport taxonomy.
func (c *ProxmoxClient) request(ctx context.Context, method, path string, query url.Values, respHandler func(data json.RawMessage) error) error {
	ticket, csrf, err := c.session(ctx)
	if err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) != 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return errors.Wrapf(err, "construct request %s", u)
	}
	req.AddCookie(&http.Cookie{Name: authCookieName, Value: ticket})
	if method != http.MethodGet {
		req.Header.Set(csrfTokenHeader, csrf)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errdefs.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateSession()
		return errors.Wrapf(errdefs.ErrChannelUnavailable, "session rejected: %s", resp.Status)
	}

	if !succeeded(resp) {
		return classifyStatus(resp)
	}

	if respHandler != nil {
		var payload struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return errors.Wrapf(errdefs.ErrProtocol, "decode response: %s", err)
		}
		if err := respHandler(payload.Data); err != nil {
			return err
		}
	}

	return nil
}

func succeeded(resp *http.Response) bool {
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

// classifyStatus maps an unexpected HTTP status onto the transport
// taxonomy. Server-side failures mean the channel is unavailable; anything
// else is a protocol-level disagreement.
func classifyStatus(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Wrapf(errdefs.ErrChannelUnavailable, "http response %d: %s", resp.StatusCode, string(msg))
	}
	return errors.Wrapf(errdefs.ErrProtocol, "http response %d: %s", resp.StatusCode, string(msg))
}

func (c *ProxmoxClient) ReadLiveness(ctx context.Context, guest GuestRef) (Token, error) {
	var token Token

	query := url.Values{}
	query.Set("file", guest.TokenPath)

	path := fmt.Sprintf(endpointAgentFileRead, guest.Node, guest.ID)
	err := c.request(ctx, http.MethodGet, path, query, func(data json.RawMessage) error {
		var fileRead struct {
			Content   string `json:"content"`
			Truncated bool   `json:"truncated"`
		}
		if err := json.Unmarshal(data, &fileRead); err != nil {
			return errors.Wrapf(errdefs.ErrProtocol, "decode file-read payload: %s", err)
		}

		content := strings.TrimSpace(fileRead.Content)
		if content == "" {
			return errors.Wrapf(errdefs.ErrProtocol, "empty liveness token in %s", guest.TokenPath)
		}

		token = Token(content)
		return nil
	})
	if err != nil {
		return "", err
	}

	return token, nil
}

func (c *ProxmoxClient) RequestReset(ctx context.Context, guest GuestRef) error {
	path := fmt.Sprintf(endpointStatusReset, guest.Node, guest.ID)
	return c.request(ctx, http.MethodPost, path, nil, nil)
}

func (c *ProxmoxClient) Power(ctx context.Context, guest GuestRef) (bool, error) {
	var running bool

	path := fmt.Sprintf(endpointStatusCurrent, guest.Node, guest.ID)
	err := c.request(ctx, http.MethodGet, path, nil, func(data json.RawMessage) error {
		var status struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return errors.Wrapf(errdefs.ErrProtocol, "decode status payload: %s", err)
		}

		running = status.Status == "running"
		return nil
	})
	if err != nil {
		return false, err
	}

	return running, nil
}
