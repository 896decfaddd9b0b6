package tornapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/avlott/revtally/internal/storage"
)

const pageBody = `{
	"revives": {
		"101": {
			"timestamp": 1700000100,
			"result": "success",
			"chance": 93.2,
			"reviver_id": 1001,
			"reviver_name": "Medic",
			"reviver_faction": {"id": 77, "name": "White Cross"},
			"reviver_skill": 41.55,
			"target_id": 2002,
			"target_name": "Brawler",
			"target_faction": {"id": 88, "name": "Iron Fist"},
			"target_hospital_reason": "Mugged by SomeGuy"
		},
		"102": {
			"timestamp": 1700000200,
			"result": "failure",
			"chance": 18,
			"reviver_id": 1001,
			"reviver_name": "Medic",
			"target_id": 2003,
			"target_name": "Slugger",
			"target_hospital_reason": "Overdosed on Xanax"
		}
	}
}`

func TestFetchPage(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(pageBody))
	}))
	defer srv.Close()

	c := NewWithBaseURL("secret-key", srv.URL)
	c.SetPageSize(50)

	records, err := c.FetchPage(context.Background(), storage.ModeIndividual, 0)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q, want bearer key", gotAuth)
	}
	if gotQuery != "limit=50&mode=individual" {
		t.Errorf("query = %q, want limit=50&mode=individual", gotQuery)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	byID := map[int64]storage.RawRecord{}
	for _, r := range records {
		byID[r.ID] = r
	}
	r101, ok := byID[101]
	if !ok {
		t.Fatal("record 101 missing")
	}
	if r101.Outcome != storage.OutcomeSuccess || r101.Chance != 93.2 {
		t.Errorf("record 101 = outcome %q chance %v", r101.Outcome, r101.Chance)
	}
	if r101.Reviver.Skill != 41.55 || r101.Reviver.FactionName != "White Cross" {
		t.Errorf("record 101 reviver = %+v", r101.Reviver)
	}
	if r101.Target.HospitalReason != "Mugged by SomeGuy" {
		t.Errorf("record 101 reason = %q", r101.Target.HospitalReason)
	}

	// Optional fields absent: skill and factions default to zero values.
	r102 := byID[102]
	if r102.Reviver.Skill != 0 || r102.Target.FactionName != "" {
		t.Errorf("record 102 optional fields = skill %v faction %q, want zero values",
			r102.Reviver.Skill, r102.Target.FactionName)
	}
}

func TestFetchPageBeforeCursor(t *testing.T) {
	var gotBefore string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBefore = r.URL.Query().Get("before")
		w.Write([]byte(`{"revives":{}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL("k", srv.URL)
	records, err := c.FetchPage(context.Background(), storage.ModeGroup, 1700000100)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if gotBefore != "1700000100" {
		t.Errorf("before = %q, want 1700000100", gotBefore)
	}
	if len(records) != 0 {
		t.Errorf("got %d records from empty page, want 0", len(records))
	}
}

func TestFetchPageUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewWithBaseURL("bad-key", srv.URL)
	_, err := c.FetchPage(context.Background(), storage.ModeIndividual, 0)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestFetchPageRetriesRateLimit(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"revives":{}}`))
	}))
	defer srv.Close()

	c := NewWithBaseURL("k", srv.URL)
	if _, err := c.FetchPage(context.Background(), storage.ModeIndividual, 0); err != nil {
		t.Fatalf("FetchPage after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFetchPageSkipsMalformedEntries(t *testing.T) {
	body := `{"revives": {
		"not-a-number": {"timestamp": 1700000100, "target_id": 1},
		"201": {"timestamp": 0, "target_id": 1},
		"202": {"timestamp": 1700000300, "result": "success", "target_id": 2, "target_name": "Ok"}
	}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewWithBaseURL("k", srv.URL)
	records, err := c.FetchPage(context.Background(), storage.ModeIndividual, 0)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (malformed skipped)", len(records))
	}
	if records[0].ID != 202 {
		t.Errorf("kept record id = %d, want 202", records[0].ID)
	}
}
