package accounting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPReporter_PostsUsage(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotType   string
		gotAuth   string
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL+"/", WithBearerToken("acct-token"))
	err := rep.Report(context.Background(), Report{Subject: testSubject(), Bytes: 150})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, UsagePath, gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "Bearer acct-token", gotAuth)
	assert.Equal(t, map[string]any{
		"momentary_id":     "m-1",
		"file_id":          "f-1",
		"user_id":          "u-1",
		"url":              string(testKey),
		"type_file":        "video",
		"bytes_downloaded": float64(150),
	}, gotBody)
}

func TestHTTPReporter_NoTokenNoHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	require.NoError(t, NewHTTPReporter(srv.URL).Report(context.Background(), Report{Subject: testSubject(), Bytes: 1}))
	assert.Empty(t, gotAuth)
}

func TestHTTPReporter_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewHTTPReporter(srv.URL).Report(context.Background(), Report{Subject: testSubject(), Bytes: 1})
	require.ErrorIs(t, err, ErrReportFailed)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPReporter_UnreachableFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPReporter(url).Report(context.Background(), Report{Subject: testSubject(), Bytes: 1})
	require.ErrorIs(t, err, ErrReportFailed)
}

func TestHTTPReporter_Timeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(done)

	rep := NewHTTPReporter(srv.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	err := rep.Report(context.Background(), Report{Subject: testSubject(), Bytes: 1})
	require.ErrorIs(t, err, ErrReportFailed)
}

type fakePlayback struct {
	mu          sync.Mutex
	transferred int64
	position    time.Duration
	duration    time.Duration
	ready       bool
}

func (p *fakePlayback) set(transferred int64, position, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferred, p.position, p.duration, p.ready = transferred, position, duration, true
}

func (p *fakePlayback) Progress() (int64, time.Duration, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transferred, p.position, p.duration, p.ready
}

func TestWatch_FeedsSession(t *testing.T) {
	markers := newTestMarkers(t)
	sink := &recordingSink{}
	s := newTestSession(t, markers, sink)
	src := &fakePlayback{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, s, src, 5*time.Millisecond)
		close(done)
	}()

	src.set(100, 10*time.Second, 100*time.Second)
	require.Eventually(t, func() bool { return s.Total() == 100 }, time.Second, 5*time.Millisecond)

	src.set(300, 80*time.Second, 100*time.Second)
	require.Eventually(t, func() bool { return s.State() == StateReported }, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	marked, err := markers.IsMarked(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, marked)
	assert.Equal(t, int64(300), s.Total())
}
