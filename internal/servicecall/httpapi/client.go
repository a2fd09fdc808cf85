// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package httpapi is a servicecall backend speaking JSON over HTTP.
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/servicecall"
)

const (
	headerRequestID     = "X-Request-ID"
	headerStreamName    = "X-Ingest-Stream-Name"
	headerContainerType = "X-Ingest-Container-Type"
	headerStartTime     = "X-Ingest-Start-Timestamp"
	headerAbsoluteTimes = "X-Ingest-Absolute-Times"
	headerAckRequired   = "X-Ingest-Ack-Required"

	maxErrorBody = 4 << 10
)

// Client implements servicecall.Backend against an HTTP control plane.
type Client struct {
	base *url.URL
	http *http.Client
}

var _ servicecall.Backend = (*Client)(nil)

// New creates a client for baseURL. A nil httpClient gets an instrumented
// default transport and no overall timeout, since uploads are long-lived.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{base: u, http: httpClient}, nil
}

func (c *Client) Name() string { return "http" }

type streamRequest struct {
	DeviceName  string `json:"deviceName,omitempty"`
	StreamName  string `json:"streamName,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	KMSKeyID    string `json:"kmsKeyId,omitempty"`
	RetentionMs int64  `json:"retentionMs,omitempty"`
	APIName     string `json:"apiName,omitempty"`
	ResourceARN string `json:"resourceArn,omitempty"`
	Tags        []tag  `json:"tags,omitempty"`
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type arnResponse struct {
	ARN string `json:"arn"`
}

type endpointResponse struct {
	Endpoint string `json:"endpoint"`
}

type credentialResponse struct {
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
}

type describeResponse struct {
	DeviceName   string    `json:"deviceName"`
	StreamName   string    `json:"streamName"`
	ContentType  string    `json:"contentType"`
	KMSKeyID     string    `json:"kmsKeyId"`
	StreamARN    string    `json:"streamArn"`
	Version      string    `json:"version"`
	Status       string    `json:"status"`
	CreationTime time.Time `json:"creationTime"`
	RetentionMs  int64     `json:"retentionMs"`
}

type errorResponse struct {
	Message string `json:"message"`
}

func (c *Client) CreateStream(ctx context.Context, req servicecall.CreateStreamRequest) (string, error) {
	var out arnResponse
	err := c.call(ctx, "createStream", streamRequest{
		DeviceName:  req.DeviceName,
		StreamName:  req.StreamName,
		ContentType: req.ContentType,
		KMSKeyID:    req.KMSKeyID,
		RetentionMs: req.Retention.Milliseconds(),
	}, &out)
	return out.ARN, err
}

func (c *Client) DescribeStream(ctx context.Context, streamName string) (*engine.StreamDescription, error) {
	var out describeResponse
	if err := c.call(ctx, "describeStream", streamRequest{StreamName: streamName}, &out); err != nil {
		return nil, err
	}
	return &engine.StreamDescription{
		DeviceName:   out.DeviceName,
		StreamName:   out.StreamName,
		ContentType:  out.ContentType,
		KMSKeyID:     out.KMSKeyID,
		StreamARN:    out.StreamARN,
		Version:      out.Version,
		Status:       out.Status,
		CreationTime: out.CreationTime,
		Retention:    time.Duration(out.RetentionMs) * time.Millisecond,
	}, nil
}

func (c *Client) GetStreamingEndpoint(ctx context.Context, streamName, apiName string) (string, error) {
	var out endpointResponse
	err := c.call(ctx, "getDataEndpoint", streamRequest{StreamName: streamName, APIName: apiName}, &out)
	return out.Endpoint, err
}

func (c *Client) GetStreamingToken(ctx context.Context, streamName string) (engine.Credential, error) {
	var out credentialResponse
	err := c.call(ctx, "getStreamingToken", streamRequest{StreamName: streamName}, &out)
	return engine.Credential{Data: []byte(out.Token), Expiration: out.Expiration}, err
}

func (c *Client) TagResource(ctx context.Context, resourceARN string, tags []engine.Tag) error {
	req := streamRequest{ResourceARN: resourceARN, Tags: make([]tag, 0, len(tags))}
	for _, t := range tags {
		req.Tags = append(req.Tags, tag{Key: t.Key, Value: t.Value})
	}
	return c.call(ctx, "tagResource", req, nil)
}

func (c *Client) CreateDevice(ctx context.Context, deviceName string) (string, error) {
	var out arnResponse
	err := c.call(ctx, "createDevice", streamRequest{DeviceName: deviceName}, &out)
	return out.ARN, err
}

func (c *Client) DeviceCertToToken(ctx context.Context, deviceName string) (engine.Credential, error) {
	var out credentialResponse
	err := c.call(ctx, "deviceCertToToken", streamRequest{DeviceName: deviceName}, &out)
	return engine.Credential{Data: []byte(out.Token), Expiration: out.Expiration}, err
}

// PutMedia posts the media stream to the endpoint handed out for the stream.
// The response body carries one JSON ack per line.
func (c *Client) PutMedia(ctx context.Context, req servicecall.PutMediaRequest, media io.Reader, onAck func(string)) error {
	target := c.resolve("putMedia")
	if req.Endpoint != "" {
		ep, err := url.Parse(req.Endpoint)
		if err != nil {
			return servicecall.Errorf(engine.ServiceStatusBadRequest, "parse endpoint: %v", err)
		}
		if ep.Scheme == "http" || ep.Scheme == "https" {
			target = ep.JoinPath("putMedia").String()
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, media)
	if err != nil {
		return fmt.Errorf("build put media request: %w", err)
	}
	httpReq.Header.Set("Content-Type", req.ContainerType)
	httpReq.Header.Set(headerStreamName, req.StreamName)
	httpReq.Header.Set(headerContainerType, req.ContainerType)
	httpReq.Header.Set(headerStartTime, strconv.FormatInt(req.StartTimestamp.Milliseconds(), 10))
	httpReq.Header.Set(headerAbsoluteTimes, strconv.FormatBool(req.AbsoluteTimes))
	httpReq.Header.Set(headerAckRequired, strconv.FormatBool(req.AckRequired))
	setRequestID(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return transportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusErr(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			onAck(line)
		}
	}
	if err := sc.Err(); err != nil {
		return transportErr(err)
	}
	return nil
}

func (c *Client) resolve(op string) string {
	return c.base.JoinPath(op).String()
}

func (c *Client) call(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(op), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setRequestID(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusErr(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return servicecall.Errorf(engine.ServiceStatusInternalError, "decode %s response: %v", op, err)
	}
	return nil
}

func setRequestID(ctx context.Context, req *http.Request) {
	if id := xglog.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(headerRequestID, id)
	}
}

func statusErr(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	return &servicecall.StatusError{Status: engine.ServiceStatus(resp.StatusCode), Msg: msg}
}

// transportErr keeps context errors intact so callers can tell a timeout from
// a refused connection.
func transportErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return servicecall.Errorf(engine.ServiceStatusNetworkConnectionTimeout, "%v", err)
}
