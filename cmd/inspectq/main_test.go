package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/osvaldoandrade/inspectq/pkg/auth"
)

func TestKindForFileType(t *testing.T) {
	cases := map[string]string{
		"jpg":  "IMAGE",
		"png":  "IMAGE",
		"tiff": "THERMAL_IMAGE",
		"mp4":  "VIDEO",
		"wav":  "AUDIO",
		"":     "IMAGE",
	}
	for ft, want := range cases {
		if got := kindForFileType(ft); got != want {
			t.Fatalf("kindForFileType(%q)=%s want %s", ft, got, want)
		}
	}
	if got := fileTypeOf("/captures/Frame_0001.JPG"); got != "jpg" {
		t.Fatalf("fileTypeOf: %s", got)
	}
}

func TestParseScopes(t *testing.T) {
	if got := parseScopes(""); !reflect.DeepEqual(got, auth.DefaultScopes()) {
		t.Fatalf("default scopes: %v", got)
	}
	got := parseScopes("ingest, read custom:scope")
	want := []string{auth.ScopeIngest, auth.ScopeRead, "custom:scope"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseScopes: %v want %v", got, want)
	}
}

func TestMaskToken(t *testing.T) {
	if maskToken("") != "<unset>" {
		t.Fatalf("empty token")
	}
	if maskToken("short") != "****" {
		t.Fatalf("short token")
	}
	if got := maskToken("abcdefghijkl"); got != "abcd...ijkl" {
		t.Fatalf("mask: %s", got)
	}
}

func TestProfileStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INSPECTQ_CONFIG_DIR", dir)
	t.Setenv("INSPECTQ_PROFILE", "")

	store := newProfileStore()
	if store.path != filepath.Join(dir, "config.yaml") {
		t.Fatalf("config path: %s", store.path)
	}
	name, prof, err := store.active("")
	if err != nil {
		t.Fatalf("active on missing file: %v", err)
	}
	if name != "default" || prof.BaseURL != "" {
		t.Fatalf("expected empty default profile, got %s %+v", name, prof)
	}

	if _, err := store.update("site-a", func(p *profile) {
		p.BaseURL = "http://inspectq:8080"
		p.Token = "tok"
		p.RobotID = "anymal-01"
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	name, prof, err = store.active("")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if name != "site-a" || prof.RobotID != "anymal-01" {
		t.Fatalf("profile not persisted as current: %s %+v", name, prof)
	}

	if _, err := store.update("", func(p *profile) { p.Token = "" }); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, prof, _ = store.active(""); prof.Token != "" || prof.BaseURL == "" {
		t.Fatalf("clear changed the wrong fields: %+v", prof)
	}

	t.Setenv("INSPECTQ_PROFILE", "site-b")
	if name, _, _ := store.active(""); name != "site-b" {
		t.Fatalf("env profile not honored: %s", name)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	e := &apiError{Status: 429, Body: []byte(`{"error":"rate limit exceeded","retryAfterSeconds":3}`)}
	if e.Error() != "rate limit exceeded (429)" {
		t.Fatalf("structured error: %s", e.Error())
	}
	e = &apiError{Status: 502, Body: []byte("bad gateway\n")}
	if e.Error() != "http 502: bad gateway" {
		t.Fatalf("plain error: %s", e.Error())
	}
}

func TestPushFilePostsArtifact(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathArtifacts || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"artifactId":"a-1","missionId":"m-1","sequence":3}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "frame.PNG")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o600); err != nil {
		t.Fatal(err)
	}
	c := newClient(&settings{baseURL: srv.URL + "/", token: "tok"})
	err := pushFile(context.Background(), c, pushJob{path: path, sequence: 3}, "m-1", "", "anymal-01", "", "", "gauge, thermal")
	if err != nil {
		t.Fatalf("pushFile: %v", err)
	}
	if got["fileType"] != "png" || got["kind"] != "IMAGE" || got["robotId"] != "anymal-01" || got["sequence"] != float64(3) {
		t.Fatalf("unexpected body: %v", got)
	}
	if a, _ := got["analysis"].([]any); len(a) != 2 {
		t.Fatalf("analysis not split: %v", got["analysis"])
	}

	c.token = "wrong"
	err = pushFile(context.Background(), c, pushJob{path: path, sequence: 4}, "m-1", "", "", "", "", "")
	if apiErr, ok := err.(*apiError); !ok || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 apiError, got %v", err)
	}
}
