package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const rentMemory = `{"owner_id":"u1","kind":"semantic","category":"budget","summary":"Rent is 1200 and due on the 3rd","tags":["rent"]}`

func rememberOne(t *testing.T, env *testEnv) string {
	t.Helper()
	w := env.do(t, "POST", "/api/memories", rentMemory)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["accepted"] != true || body["queued"] != true {
		t.Fatalf("handle = %v, want accepted and queued", body)
	}
	id, _ := body["provisional_id"].(string)
	if id == "" {
		t.Fatal("missing provisional_id")
	}
	env.drain(t)
	return id
}

func TestRememberAndGet(t *testing.T) {
	env := testServer(t)
	id := rememberOne(t, env)

	w := env.do(t, "GET", "/api/memories/u1/semantic/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["summary"] != "Rent is 1200 and due on the 3rd" {
		t.Errorf("summary = %v", body["summary"])
	}
	if body["indexed"] != true {
		t.Errorf("indexed = %v, want true", body["indexed"])
	}
}

func TestIngest(t *testing.T) {
	env := testServer(t)

	w := env.do(t, "POST", "/api/ingest", `{"owner_id":"u1","turns":[{"role":"user","text":"what time is it"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["accepted"] != false {
		t.Error("small talk should not be accepted")
	}

	w = env.do(t, "POST", "/api/ingest", `{"owner_id":"u1","turns":[{"role":"user","text":"Remember that I'm saving for a house"}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["accepted"] != true {
		t.Error("explicit request should be accepted")
	}
}

func TestRetrieveAndContext(t *testing.T) {
	env := testServer(t)
	rememberOne(t, env)

	w := env.do(t, "POST", "/api/retrieve", `{"owner_id":"u1","query":"when is rent due","token_budget":800}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	mems, _ := decodeBody(t, w)["memories"].([]any)
	if len(mems) != 1 {
		t.Fatalf("memories = %d, want 1; body: %s", len(mems), w.Body.String())
	}

	w = env.do(t, "GET", "/api/context?owner=u1&query=rent", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	ctx, _ := decodeBody(t, w)["context"].(string)
	if !strings.Contains(ctx, "### What You Know About Them") {
		t.Errorf("context missing semantic section:\n%s", ctx)
	}
	if !strings.Contains(ctx, "- [budget] Rent is 1200 and due on the 3rd") {
		t.Errorf("context missing memory:\n%s", ctx)
	}
	if strings.Contains(ctx, "Recent Events") {
		t.Errorf("empty sections should be skipped:\n%s", ctx)
	}
}

func TestPinHoldForget(t *testing.T) {
	env := testServer(t)
	id := rememberOne(t, env)
	base := "/api/memories/u1/semantic/" + id

	w := env.do(t, "PUT", base+"/pin", `{"enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("pin status = %d; body: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["pinned"] != true {
		t.Error("pinned = false after pin")
	}

	w = env.do(t, "PUT", base+"/hold", `{"enabled":true}`)
	if w.Code != http.StatusOK || decodeBody(t, w)["legal_hold"] != true {
		t.Fatalf("hold status = %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "DELETE", base, "")
	if w.Code != http.StatusOK {
		t.Fatalf("forget status = %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/decay", "")
	if w.Code != http.StatusOK {
		t.Fatalf("decay status = %d; body: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["purged"] != float64(0) {
		t.Error("held record was purged")
	}

	w = env.do(t, "GET", base, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after forget status = %d, want 404; body: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "PUT", base+"/pin", `{"enabled":false}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("pin after forget status = %d, want 404", w.Code)
	}
	w = env.do(t, "PUT", base+"/hold", `{"enabled":true}`)
	if w.Code != http.StatusOK {
		t.Errorf("hold after forget status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
}

func TestSignalStream(t *testing.T) {
	env := testServer(t)
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/signals?owner=u1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	env.do(t, "POST", "/api/memories", rentMemory)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == "event: candidate" {
			return
		}
	}
	t.Fatalf("no candidate event: %v", sc.Err())
}
