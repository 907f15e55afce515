// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client runs the /sync long-poll loop and hands each payload
// to the reconciliation store. It owns retries and the since token; the
// store owns everything else.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/element-hq/weft/syncstore/types"
)

const (
	syncPath        = "/_matrix/client/v3/sync"
	timelineLimit   = 50
	maxBackoff      = 30 * time.Second
	errCodeBadToken = "M_UNKNOWN_TOKEN"
)

// ErrTokenInvalid is returned by Run when the server no longer accepts
// the access token; retrying cannot help.
var ErrTokenInvalid = errors.New("access token rejected by homeserver")

// Reconciler is the part of the sync store the transport feeds.
type Reconciler interface {
	ApplyInitialSync(payload *types.SyncResponse)
	ApplyIncrementalSync(payload *types.SyncResponse)
	UpdatePresenceFromSync(payload *types.SyncResponse)
	RouteToDeviceEvents(payload *types.SyncResponse)
}

// Client is a long-poll sync transport for one account session.
type Client struct {
	homeserverURL string
	accessToken   string
	timeout       time.Duration
	target        Reconciler

	httpClient *http.Client
	filter     string
	since      string
	log        *logrus.Entry
}

// New constructs a sync client. timeout is the server-side long-poll
// timeout; the HTTP client waits a little longer than that.
func New(homeserverURL, accessToken string, timeout time.Duration, target Reconciler) *Client {
	filter, _ := sjson.Set("{}", "room.timeline.limit", timelineLimit)
	filter, _ = sjson.Set(filter, "room.state.lazy_load_members", true)

	return &Client{
		homeserverURL: homeserverURL,
		accessToken:   accessToken,
		timeout:       timeout,
		target:        target,
		httpClient:    &http.Client{Timeout: timeout + 30*time.Second},
		filter:        filter,
		log: logrus.WithFields(logrus.Fields{
			"component": "syncclient",
			"conn_id":   uuid.NewString(),
		}),
	}
}

// Run long-polls /sync until the context is cancelled or the token is
// rejected. The first successful payload goes through the initial-sync
// path; every later one through the incremental path, followed by
// presence and to-device routing.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	lastSuccess := time.Time{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		payload, err := c.syncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrTokenInvalid) {
				return err
			}
			syncFailures.Inc()
			c.log.WithError(err).WithField("backoff", backoff).Warn("Sync failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if !lastSuccess.IsZero() {
			observeSyncMetrics(time.Since(start), time.Since(lastSuccess)-c.timeout)
		} else {
			observeSyncMetrics(time.Since(start), 0)
		}
		lastSuccess = time.Now()

		if c.since == "" {
			c.target.ApplyInitialSync(payload)
		} else {
			c.target.ApplyIncrementalSync(payload)
		}
		c.target.UpdatePresenceFromSync(payload)
		c.target.RouteToDeviceEvents(payload)

		c.since = payload.NextBatch
	}
}

// Since returns the current sync position token.
func (c *Client) Since() string {
	return c.since
}

// SetSince resumes syncing from a previously persisted position. An
// empty token forces a full initial sync.
func (c *Client) SetSince(token string) {
	c.since = token
}

func (c *Client) syncOnce(ctx context.Context) (*types.SyncResponse, error) {
	query := url.Values{}
	query.Set("filter", c.filter)
	query.Set("set_presence", "online")
	if c.since != "" {
		query.Set("since", c.since)
		query.Set("timeout", fmt.Sprintf("%d", c.timeout.Milliseconds()))
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.homeserverURL+syncPath+"?"+query.Encode(), nil,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint: errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		errCode := gjson.GetBytes(body, "errcode").Str
		if errCode == errCodeBadToken {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("sync returned HTTP %d (%s)", resp.StatusCode, errCode)
	}

	var payload types.SyncResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}
	return &payload, nil
}
