// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/servicecall"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/v1", srv.Client())
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", nil)
	assert.Error(t, err)
	_, err = New("://bad", nil)
	assert.Error(t, err)
}

func TestClient_CreateStream(t *testing.T) {
	var got streamRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/createStream", r.URL.Path)
		assert.Equal(t, "req-1", r.Header.Get(headerRequestID))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(arnResponse{ARN: "arn:stream/cam"})
	}))

	ctx := xglog.ContextWithRequestID(context.Background(), "req-1")
	arn, err := c.CreateStream(ctx, servicecall.CreateStreamRequest{
		DeviceName: "dev", StreamName: "cam", ContentType: "video/h264", Retention: 2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "arn:stream/cam", arn)
	assert.Equal(t, streamRequest{
		DeviceName: "dev", StreamName: "cam", ContentType: "video/h264", RetentionMs: (2 * time.Hour).Milliseconds(),
	}, got)
}

func TestClient_DescribeStreamMapsStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"no such stream"}`)
	}))

	_, err := c.DescribeStream(context.Background(), "cam")
	require.Error(t, err)
	assert.Equal(t, engine.ServiceStatusNotFound, servicecall.StatusOf(err))
	assert.Contains(t, err.Error(), "no such stream")
}

func TestClient_DescribeStream(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(describeResponse{
			StreamName: "cam", StreamARN: "arn", Status: "ACTIVE", CreationTime: created, RetentionMs: 60000,
		})
	}))

	desc, err := c.DescribeStream(context.Background(), "cam")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", desc.Status)
	assert.Equal(t, time.Minute, desc.Retention)
	assert.True(t, created.Equal(desc.CreationTime))
}

func TestClient_TokensAndTags(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/getStreamingToken", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(credentialResponse{Token: "tok", Expiration: exp})
	})
	mux.HandleFunc("/v1/deviceCertToToken", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(credentialResponse{Token: "dev-tok", Expiration: exp})
	})
	mux.HandleFunc("/v1/tagResource", func(w http.ResponseWriter, r *http.Request) {
		var req streamRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []tag{{Key: "k", Value: "v"}}, req.Tags)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/getDataEndpoint", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(endpointResponse{Endpoint: "https://data.example"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	cred, err := c.GetStreamingToken(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, "tok", string(cred.Data))
	assert.True(t, exp.Equal(cred.Expiration))

	cred, err = c.DeviceCertToToken(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev-tok", string(cred.Data))

	require.NoError(t, c.TagResource(ctx, "arn", []engine.Tag{{Key: "k", Value: "v"}}))

	ep, err := c.GetStreamingEndpoint(ctx, "cam", "PUT_MEDIA")
	require.NoError(t, err)
	assert.Equal(t, "https://data.example", ep)
}

func TestClient_PutMediaStreamsAcks(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/putMedia", r.URL.Path)
		assert.Equal(t, "cam", r.Header.Get(headerStreamName))
		assert.Equal(t, "1500", r.Header.Get(headerStartTime))
		assert.Equal(t, "true", r.Header.Get(headerAckRequired))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		for i := 1; i <= 2; i++ {
			_, _ = fmt.Fprintln(w, engine.FormatAck(engine.FragmentAck{
				Type: engine.AckPersisted, SequenceNumber: fmt.Sprint(i), Timecode: time.Duration(len(body)) * time.Millisecond,
			}))
		}
		_, _ = io.WriteString(w, "\n")
	}))

	var acks []string
	err := c.PutMedia(context.Background(), servicecall.PutMediaRequest{
		StreamName: "cam", ContainerType: "video/x-test", StartTimestamp: 1500 * time.Millisecond, AckRequired: true,
	}, strings.NewReader("media"), func(a string) { acks = append(acks, a) })
	require.NoError(t, err)
	require.Len(t, acks, 2)

	ack, err := engine.ParseAck(acks[1])
	require.NoError(t, err)
	assert.Equal(t, "2", ack.SequenceNumber)
	assert.Equal(t, 5*time.Millisecond, ack.Timecode)
}

func TestClient_PutMediaUsesEndpoint(t *testing.T) {
	hit := make(chan string, 1)
	data := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- r.URL.Path
	}))
	defer data.Close()
	c := newTestClient(t, http.NotFoundHandler())

	err := c.PutMedia(context.Background(), servicecall.PutMediaRequest{StreamName: "cam", Endpoint: data.URL + "/ingest"},
		strings.NewReader(""), func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "/ingest/putMedia", <-hit)
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, nil)
	require.NoError(t, err)
	_, err = c.CreateDevice(context.Background(), "dev")
	require.Error(t, err)
	assert.Equal(t, engine.ServiceStatusNetworkConnectionTimeout, servicecall.StatusOf(err))
}

func TestClient_ContextErrorsPassThrough(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.CreateDevice(ctx, "dev")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, engine.ServiceStatusRequestTimeout, servicecall.StatusOf(err))
}
