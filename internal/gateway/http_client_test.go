package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(server *httptest.Server) *HTTPClient {
	client := NewHTTPClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestFetchLatestNoteDecodesNote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notes/PAT_1/latest" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "livesync_") {
			t.Fatalf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"patient_id": "PAT_1",
			"note": {
				"note_id": "n1",
				"created_at": "2026-03-01T09:00:00",
				"raw_transcript": "doctor: any allergies?",
				"soap_note": {
					"subjective": "fever",
					"plan": "rest",
					"chief_complaint": "fever",
					"medications": [{"name": "Paracetamol", "dosage": "500mg", "frequency": "TID"}, {"name": ""}]
				}
			}
		}`))
	}))
	defer server.Close()

	latest, err := newTestClient(server).FetchLatestNote(context.Background(), "PAT_1")
	if err != nil {
		t.Fatalf("fetch latest note failed: %v", err)
	}
	if !latest.HasNote() {
		t.Fatalf("expected a note, got %+v", latest)
	}
	note := latest.Note
	if note.NoteIDValue() != "n1" {
		t.Fatalf("expected note n1, got %q", note.NoteIDValue())
	}
	if note.CreatedAt == nil || !note.CreatedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_at %v", note.CreatedAt)
	}
	if note.RawTranscript != "doctor: any allergies?" {
		t.Fatalf("unexpected transcript %q", note.RawTranscript)
	}
	if len(note.Note.Medications) != 1 {
		t.Fatalf("expected blank medication to be dropped, got %+v", note.Note.Medications)
	}
}

func TestFetchLatestNoteWithoutNoteIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "message": "No notes found for this patient", "note": null}`))
	}))
	defer server.Close()

	latest, err := newTestClient(server).FetchLatestNote(context.Background(), "PAT_2")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if latest.HasNote() {
		t.Fatalf("expected no note, got %+v", latest.Note)
	}
}

func TestFetchLatestNoteMapsNotFoundToNoNote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Patient PAT_X not found"}`))
	}))
	defer server.Close()

	latest, err := newTestClient(server).FetchLatestNote(context.Background(), "PAT_X")
	if err != nil {
		t.Fatalf("expected 404 to map to no note, got %v", err)
	}
	if latest.Success || latest.HasNote() {
		t.Fatalf("expected unsuccessful empty result, got %+v", latest)
	}
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"timeline":[]}`))
	}))
	defer server.Close()

	timeline, err := newTestClient(server).FetchTimeline(context.Background(), "PAT_3")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if !timeline.Success {
		t.Fatalf("expected successful timeline")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.FetchTimeline(context.Background(), "PAT_4")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPError 502, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != int32(client.maxRetries+1) {
		t.Fatalf("expected %d attempts, got %d", client.maxRetries+1, got)
	}
}

func TestFetchTimelineSortsMostRecentFirst(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patients/PAT_5/timeline" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"timeline":[
			{"type":"note","date":"2026-01-01T10:00:00Z","entry":{"chief_complaint":"older","soap_note":{"plan":"a"}}},
			{"type":"note","date":"2026-02-01T10:00:00Z","entry":{"chief_complaint":"newer","audio_file":"s3://bucket/a.wav"}},
			{"type":"prescription","date":"2026-01-15T10:00:00Z","entry":{}}
		]}`))
	}))
	defer server.Close()

	timeline, err := newTestClient(server).FetchTimeline(context.Background(), "PAT_5")
	if err != nil {
		t.Fatalf("fetch timeline failed: %v", err)
	}
	if len(timeline.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(timeline.Entries))
	}
	if timeline.Entries[0].ChiefComplaint != "newer" || timeline.Entries[0].AudioFileRef != "s3://bucket/a.wav" {
		t.Fatalf("expected newest entry first, got %+v", timeline.Entries[0])
	}
	if timeline.Entries[2].ChiefComplaint != "older" || timeline.Entries[2].Note == nil {
		t.Fatalf("expected oldest note last with soap note, got %+v", timeline.Entries[2])
	}
}

func TestAdvanceConsultationPostsAction(t *testing.T) {
	var gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client := newTestClient(server)
	if err := client.AdvanceConsultation(context.Background(), "Q7", ActionStart); err != nil {
		t.Fatalf("advance consultation failed: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/queue/Q7/start" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if err := client.AdvanceConsultation(context.Background(), "Q7", ActionComplete); err != nil {
		t.Fatalf("complete consultation failed: %v", err)
	}
	if gotPath != "/queue/Q7/complete" {
		t.Fatalf("unexpected complete path %s", gotPath)
	}
}

func TestAdvanceConsultationSurfacesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"invalid_state","message":"consultation already started"}`))
	}))
	defer server.Close()

	err := newTestClient(server).AdvanceConsultation(context.Background(), "Q8", ActionStart)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != "invalid_state" || httpErr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestAdvanceConsultationIsNotRetriedAfterGatewayError(t *testing.T) {
	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	err := newTestClient(server).AdvanceConsultation(context.Background(), "Q7", ActionStart)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected the 502 to surface, got %v", err)
	}
	if got := posts.Load(); got != 1 {
		t.Fatalf("expected exactly one POST, got %d", got)
	}
}

func TestAdvanceConsultationRetriesFailedDial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.Listener.Addr().String()
	server.Close()

	var dials atomic.Int32
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			dials.Add(1)
			return (&net.Dialer{}).DialContext(ctx, network, address)
		},
	}
	defer transport.CloseIdleConnections()
	client := NewHTTPClient("http://"+addr, "", &http.Client{Transport: transport})
	client.baseDelay = time.Millisecond
	client.maxDelay = 2 * time.Millisecond
	err := client.AdvanceConsultation(context.Background(), "Q7", ActionStart)
	if err == nil {
		t.Fatalf("expected dial failure against a closed listener")
	}
	if !isDialError(err) {
		t.Fatalf("expected a dial error after retries, got %v", err)
	}
	if got := dials.Load(); got != int32(client.maxRetries+1) {
		t.Fatalf("expected %d dial attempts, got %d", client.maxRetries+1, got)
	}
}

func TestAdvanceConsultationValidatesInput(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "", nil)
	if err := client.AdvanceConsultation(context.Background(), " ", ActionStart); err == nil {
		t.Fatalf("expected error for blank queue id")
	}
	if err := client.AdvanceConsultation(context.Background(), "Q1", Action("pause")); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestRetryDelayHonoursRetryAfterAndCap(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After 1s, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != client.maxDelay {
		t.Fatalf("expected Retry-After capped at %s, got %s", client.maxDelay, got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential 400ms, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != client.maxDelay {
		t.Fatalf("expected cap %s, got %s", client.maxDelay, got)
	}
}
