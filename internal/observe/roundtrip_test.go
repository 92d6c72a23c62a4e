package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRoundTripper_InjectsTraceContextAndRecords(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	useTracerProvider(t, tp)
	m, reader := newTestMetrics(t)

	var gotTraceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := &http.Client{Transport: RoundTripper(nil, m)}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/api/v2/tts", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if gotTraceparent == "" {
		t.Error("traceparent header was not injected")
	}
	if req.Header.Get("traceparent") != "" {
		t.Error("caller's request headers were mutated")
	}
	if spans := exp.GetSpans(); len(spans) != 1 {
		t.Errorf("recorded %d spans, want 1", len(spans))
	}

	rm := collect(t, reader)
	if findMetric(rm, "playht.http.request.duration") == nil {
		t.Error("http request duration not recorded")
	}
}
