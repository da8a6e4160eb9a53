package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, ruleResponse{ID: 7, Name: "sales", Kind: "agent"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if _, ok := raw["error"]; ok {
		t.Error("success envelope carries an error key")
	}
	var got ruleResponse
	if msg := decode(t, w, &got); msg != "" {
		t.Errorf("error = %q", msg)
	}
	if got.ID != 7 || got.Name != "sales" {
		t.Errorf("data = %+v", got)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusInsufficientStorage, "storage pool quota exceeded")

	if w.Code != http.StatusInsufficientStorage {
		t.Errorf("status = %d, want 507", w.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if string(raw["data"]) != "null" {
		t.Errorf("data = %s, want null", raw["data"])
	}
	if msg := decode(t, w, nil); msg != "storage pool quota exceeded" {
		t.Errorf("error = %q", msg)
	}
}

func TestReadJSON(t *testing.T) {
	oversized := `{"name":"` + strings.Repeat("a", maxRequestBodySize) + `"}`

	tests := []struct {
		name string
		body string
		want string
	}{
		{"valid rule", `{"name":"sales","kind":"agent","record_percent":50}`, ""},
		{"empty", "", "request body must not be empty"},
		{"malformed", `{"name":`, "malformed json"},
		{"syntax error", `{"name" "x"}`, "malformed json"},
		{"unknown field", `{"name":"x","bucket":"y"}`, `unknown field "bucket"`},
		{"wrong type", `{"name":"x","record_percent":"all"}`, "invalid value for field record_percent"},
		{"two objects", `{"name":"a"}{"name":"b"}`, "request body must contain a single json object"},
		{"over limit", oversized, "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/rules", strings.NewReader(tt.body))
			var req ruleRequest
			if got := readJSON(r, &req); got != tt.want {
				t.Errorf("readJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadJSONDecodesPool(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/api/v1/storage/pools/1",
		strings.NewReader(`{"name":"archive","path":"archive/2024","max_size_bytes":1048576,"write_enabled":false}`))
	var req poolRequest
	if msg := readJSON(r, &req); msg != "" {
		t.Fatalf("readJSON() = %q", msg)
	}
	if req.Name != "archive" || req.Path != "archive/2024" || req.MaxSizeBytes != 1<<20 {
		t.Errorf("decoded %+v", req)
	}
	if req.WriteEnabled == nil || *req.WriteEnabled {
		t.Errorf("write_enabled = %v, want explicit false", req.WriteEnabled)
	}
	if req.Active != nil || req.DeleteEnabled != nil {
		t.Error("omitted flags decoded as set")
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query  string
		want   pagination
		errMsg string
	}{
		{"", pagination{Limit: defaultLimit}, ""},
		{"?limit=5&offset=40", pagination{Limit: 5, Offset: 40}, ""},
		{"?limit=5000", pagination{Limit: maxLimit}, ""},
		{"?offset=0", pagination{Limit: defaultLimit}, ""},
		{"?limit=0", pagination{}, "limit must be a positive integer"},
		{"?limit=ten", pagination{}, "limit must be a positive integer"},
		{"?offset=-1", pagination{}, "offset must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/recordings"+tt.query, nil)
			got, msg := parsePagination(r)
			if msg != tt.errMsg {
				t.Fatalf("error = %q, want %q", msg, tt.errMsg)
			}
			if msg == "" && got != tt.want {
				t.Errorf("pagination = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPaginatedResponseShape(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  []cdrResponse{},
		Total:  0,
		Limit:  20,
		Offset: 0,
	})

	var page map[string]json.RawMessage
	if msg := decode(t, w, &page); msg != "" {
		t.Fatalf("error = %q", msg)
	}
	for _, key := range []string{"items", "total", "limit", "offset"} {
		if _, ok := page[key]; !ok {
			t.Errorf("page missing %q", key)
		}
	}
	if string(page["items"]) != "[]" {
		t.Errorf("items = %s, want []", page["items"])
	}
}
