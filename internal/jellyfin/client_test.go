package jellyfin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestValidImageSignature(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"jpeg", jpegHeader, true},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, true},
		{"gif87", []byte("GIF87a......"), true},
		{"gif89", []byte("GIF89a......"), true},
		{"html error page", []byte("<html><body>502</body></html>"), false},
		{"empty", nil, false},
		{"truncated jpeg", []byte{0xFF, 0xD8}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidImageSignature(tt.data); got != tt.want {
				t.Errorf("ValidImageSignature(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestUploadPosterSendsBase64(t *testing.T) {
	var gotBody string
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			gotContentType = r.Header.Get("Content-Type")
			buf, _ := io.ReadAll(r.Body)
			gotBody = string(buf)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			w.Write(jpegHeader)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	data := []byte{0xFF, 0xD8, 0xFF, 0x01, 0x02}
	if err := c.UploadPoster(context.Background(), "item1", data); err != nil {
		t.Fatalf("UploadPoster: %v", err)
	}
	if gotContentType != "image/jpeg; charset=utf-8" {
		t.Errorf("content type = %q, want image/jpeg; charset=utf-8", gotContentType)
	}
	if gotBody != base64.StdEncoding.EncodeToString(data) {
		t.Errorf("body was not the base64 encoding of the image")
	}
}

func TestUploadPosterVerificationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// verification GET hands back an error page instead of an image
		w.Write([]byte("<html>oops</html>"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	err := c.UploadPoster(context.Background(), "item1", jpegHeader)
	if !errors.Is(err, ErrUploadVerification) {
		t.Fatalf("err = %v, want ErrUploadVerification", err)
	}
	if IsTransient(err) {
		t.Error("upload verification failure must not classify as transient")
	}
}

func TestGetItemNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	_, err := c.GetItem(context.Background(), "missing")
	if !errors.Is(err, ErrItemMissing) {
		t.Fatalf("err = %v, want ErrItemMissing", err)
	}
	if IsTransient(err) {
		t.Error("item_missing must not classify as transient")
	}
}

func TestDownloadPosterMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	_, _, err := c.DownloadPoster(context.Background(), "item1")
	if !errors.Is(err, ErrPosterMissing) {
		t.Fatalf("err = %v, want ErrPosterMissing", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	_, err := c.GetItem(context.Background(), "item1")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !IsTransient(err) {
		t.Errorf("502 should classify as transient, got %v", err)
	}
}

func TestAddTagIdempotent(t *testing.T) {
	updates := 0
	item := Item{ID: "item1", Name: "Movie", Type: "Movie", Tags: []string{"aphrodite-overlay"}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			updates++
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(item)
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	if err := c.AddTag(context.Background(), "item1", "aphrodite-overlay"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	if updates != 0 {
		t.Errorf("adding an existing tag posted %d updates, want 0", updates)
	}
}

func TestAddTagEchoesMetadata(t *testing.T) {
	var posted Item
	item := Item{
		ID: "item1", Name: "Movie", Type: "Movie",
		Tags:           []string{},
		ProductionYear: 2001,
		Overview:       "a film",
		Genres:         []string{"Drama"},
		ProviderIDs:    map[string]string{"Imdb": "tt0000001"},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&posted)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(item)
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	if err := c.AddTag(context.Background(), "item1", "aphrodite-overlay"); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	if len(posted.Tags) != 1 || posted.Tags[0] != "aphrodite-overlay" {
		t.Errorf("posted tags = %v, want [aphrodite-overlay]", posted.Tags)
	}
	if posted.Name != "Movie" || posted.ProductionYear != 2001 || posted.Overview != "a film" {
		t.Errorf("update dropped essential metadata: %+v", posted)
	}
	if posted.ProviderIDs["Imdb"] != "tt0000001" {
		t.Errorf("update dropped provider ids: %v", posted.ProviderIDs)
	}
}

func TestRemoveTagAbsentIsNoop(t *testing.T) {
	updates := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			updates++
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(Item{ID: "item1", Name: "Movie", Tags: []string{"other"}})
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 0
	if err := c.RemoveTag(context.Background(), "item1", "aphrodite-overlay"); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	if updates != 0 {
		t.Errorf("removing an absent tag posted %d updates, want 0", updates)
	}
}

func TestRequestSpacing(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		json.NewEncoder(w).Encode(SystemInfo{ServerName: "test"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", "")
	c.minInterval = 30 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TestConnection(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 4 {
		t.Fatalf("got %d requests, want 4", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 20*time.Millisecond {
			t.Errorf("requests %d and %d only %v apart, want >= ~30ms spacing", i-1, i, gap)
		}
	}
}

func TestAuthHeader(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Emby-Token")
		json.NewEncoder(w).Encode(SystemInfo{})
	}))
	defer server.Close()

	c := NewClient(server.URL, "secret-key", "")
	c.minInterval = 0
	c.TestConnection(context.Background())
	if gotToken != "secret-key" {
		t.Errorf("X-Emby-Token = %q, want secret-key", gotToken)
	}
}
