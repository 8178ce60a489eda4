package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Errand-Desk/internal/errors"
)

func TestPhoneHelpers(t *testing.T) {
	if !ValidE164("+420123456789") || ValidE164("420123456789") || ValidE164("+0123456789") {
		t.Fatalf("unexpected E.164 validation")
	}
	if got := ExtractPhone("Call Luigi's at +420777123456: book a table"); got != "+420777123456" {
		t.Fatalf("unexpected extraction %q", got)
	}
	if got := ExtractPhone("Call Luigi's: book a table"); got != "" {
		t.Fatalf("expected no phone, got %q", got)
	}
	if got, ok := NormalizePhone("+1 (415) 555-0100"); !ok || got != "+14155550100" {
		t.Fatalf("unexpected normalisation %q %v", got, ok)
	}
}

func TestTwiMLEscapes(t *testing.T) {
	doc := (&TwiML{}).Say("Tom & Jerry <3").Record(120, "https://x/api/calls/status?event=transcription&a=1").String()
	if !strings.Contains(doc, "Tom &amp; Jerry &lt;3") {
		t.Fatalf("say text not escaped: %s", doc)
	}
	if !strings.Contains(doc, `transcribeCallback="https://x/api/calls/status?event=transcription&amp;a=1"`) {
		t.Fatalf("callback not escaped: %s", doc)
	}
	if !strings.HasPrefix(doc, `<?xml`) || !strings.HasSuffix(doc, "</Response>") {
		t.Fatalf("unexpected document %s", doc)
	}
}

func TestGatewaySendsHook(t *testing.T) {
	var (
		auth string
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"ok":true,"runId":"run-1"}`))
	}))
	defer srv.Close()

	g := NewGatewayClient(GatewayConfig{URL: srv.URL + "/", HookToken: "secret"})
	res, err := g.StartConversation(context.Background(), ConversationRequest{
		Message:  "Call +420123456789 and book a table for two",
		Name:     "Call: Luigi's",
		Metadata: map[string]string{"approval_id": "a-1", "task.id": "t-1"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.SessionID != "run-1" {
		t.Fatalf("unexpected session %q", res.SessionID)
	}
	if auth != "Bearer secret" || path != "/hooks/agent" {
		t.Fatalf("unexpected request auth=%q path=%q", auth, path)
	}
	meta, _ := body["metadata"].(map[string]any)
	if body["name"] != "Call: Luigi's" || meta["approval_id"] != "a-1" || meta["task.id"] != "t-1" {
		t.Fatalf("unexpected payload %v", body)
	}
}

func TestGatewayTimeoutAndNotConfigured(t *testing.T) {
	if _, err := NewGatewayClient(GatewayConfig{}).StartConversation(context.Background(), ConversationRequest{Message: "x"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	g := NewGatewayClient(GatewayConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := g.StartConversation(context.Background(), ConversationRequest{Message: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
}

func TestTwilioPlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Errorf("missing basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("To") != "+420123456789" || r.PostForm.Get("From") != "+15550001111" || r.PostForm.Get("Record") != "true" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("StatusCallbackEvent") != "initiated ringing answered completed" {
			t.Errorf("unexpected callback events %q", r.PostForm.Get("StatusCallbackEvent"))
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA999","status":"queued"}`))
	}))
	defer srv.Close()

	c := NewTwilioClient(TwilioConfig{AccountSID: "AC123", AuthToken: "token", FromNumber: "+15550001111", BaseURL: srv.URL})
	placed, err := c.PlaceCall(context.Background(), PlaceCallRequest{
		To:             "+420123456789",
		Twiml:          (&TwiML{}).Say("Hello").Inline(),
		StatusCallback: "https://desk.example.com/api/calls/status",
	})
	if err != nil {
		t.Fatalf("place call: %v", err)
	}
	if placed.SID != "CA999" || placed.Status != "queued" {
		t.Fatalf("unexpected result %+v", placed)
	}
}

func TestTwilioErrors(t *testing.T) {
	if _, err := NewTwilioClient(TwilioConfig{}).PlaceCall(context.Background(), PlaceCallRequest{To: "+420123456789"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()
	c := NewTwilioClient(TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+15550001111", BaseURL: srv.URL})
	_, err := c.PlaceCall(context.Background(), PlaceCallRequest{To: "+420123456789"})
	if err == nil || !strings.Contains(err.Error(), "Invalid 'To' Phone Number") {
		t.Fatalf("expected provider message in error, got %v", err)
	}
	if _, err := c.PlaceCall(context.Background(), PlaceCallRequest{To: "12345"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestTwilioFetchRecordingAndPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/recordings/RE1.mp3":
			_, _ = w.Write([]byte("ID3-audio"))
		case "/2010-04-01/Accounts/AC123.json":
			_, _ = w.Write([]byte(`{"friendly_name":"Desk","status":"active"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewTwilioClient(TwilioConfig{AccountSID: "AC123", AuthToken: "token", FromNumber: "+15550001111", BaseURL: srv.URL})
	if !c.Configured() || NewTwilioClient(TwilioConfig{AccountSID: "AC123"}).Configured() {
		t.Fatalf("unexpected Configured result")
	}
	audio, err := c.FetchRecording(context.Background(), srv.URL+"/recordings/RE1.mp3")
	if err != nil || string(audio) != "ID3-audio" {
		t.Fatalf("fetch recording: %q %v", audio, err)
	}
	if _, err := c.FetchRecording(context.Background(), srv.URL+"/recordings/missing.mp3"); xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	bad := NewTwilioClient(TwilioConfig{AccountSID: "AC123", AuthToken: "wrong", BaseURL: srv.URL})
	if err := bad.Ping(context.Background()); xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if err := NewTwilioClient(TwilioConfig{}).Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestGatewayPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" || r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("unexpected request %s %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	g := NewGatewayClient(GatewayConfig{URL: srv.URL, HookToken: "secret"})
	if err := g.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	healthy.Store(false)
	if err := g.Ping(context.Background()); xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if NewGatewayClient(GatewayConfig{}).Configured() {
		t.Fatalf("empty gateway should not be configured")
	}
}
