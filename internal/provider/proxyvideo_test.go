package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProxyVideoGenerate(t *testing.T) {
	want := []byte("proxy-mp4")
	var polls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding create-task: %v", err)
		}
		// Key material is forwarded per call; the signing service never stores it.
		if req.AccessKey != "ak" || req.SecretKey != "sk" {
			t.Errorf("key material not forwarded: %+v", req)
		}
		if req.Body.Prompt != "ocean waves" {
			t.Errorf("prompt = %q", req.Body.Prompt)
		}
		json.NewEncoder(w).Encode(createTaskResponse{TaskID: "task-9"})
	})
	mux.HandleFunc("GET /tasks/task-9", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(taskStatusResponse{Status: "processing"})
			return
		}
		host := "http://" + r.Host
		json.NewEncoder(w).Encode(taskStatusResponse{Status: "succeed", ResultURL: host + "/results/task-9.mp4"})
	})
	mux.HandleFunc("GET /results/task-9.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write(want)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewProxyVideoClient(srv.URL, "ak", "sk").WithPollCadence(time.Millisecond, 10)
	res, err := c.Generate(context.Background(), Request{Prompt: "ocean waves"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !bytes.Equal(res.Data, want) {
		t.Errorf("result bytes mismatch")
	}
}

func TestProxyVideoTaskFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createTaskResponse{TaskID: "task-1"})
	})
	mux.HandleFunc("GET /tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(taskStatusResponse{Status: "failed", Error: "content policy"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewProxyVideoClient(srv.URL, "ak", "sk").WithPollCadence(time.Millisecond, 5)
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if KindOf(err) != KindProviderRejected {
		t.Errorf("KindOf = %v, want provider_rejected", KindOf(err))
	}
}

func TestProxyVideoTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createTaskResponse{TaskID: "task-2"})
	})
	mux.HandleFunc("GET /tasks/task-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(taskStatusResponse{Status: "processing"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewProxyVideoClient(srv.URL, "ak", "sk").WithPollCadence(time.Millisecond, 4)
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if KindOf(err) != KindTimeout {
		t.Errorf("KindOf = %v, want timeout", KindOf(err))
	}
}

func TestProxyVideoMissingCredentials(t *testing.T) {
	c := NewProxyVideoClient("http://localhost:0", "", "")
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if KindOf(err) != KindMissingCredentials {
		t.Errorf("KindOf = %v, want missing_credentials", KindOf(err))
	}
}

func TestProxyVideoCreateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad signature", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewProxyVideoClient(srv.URL, "ak", "sk").WithPollCadence(time.Millisecond, 2)
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if KindOf(err) != KindProviderRejected {
		t.Errorf("KindOf = %v, want provider_rejected", KindOf(err))
	}
	if err != nil && !bytes.Contains([]byte(err.Error()), []byte(fmt.Sprintf("%d", http.StatusForbidden))) {
		t.Errorf("status not surfaced: %v", err)
	}
}
