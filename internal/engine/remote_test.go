package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newEngineServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(status)
		case "/convert":
			file, header, err := r.FormFile("file")
			if err != nil {
				t.Errorf("missing file part: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			if header.Filename != "doc.md" || string(data) != "# hi" {
				t.Errorf("unexpected upload %s: %q", header.Filename, data)
			}
			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteConvert(t *testing.T) {
	body := `{"status":"success","document":{"name":"doc","pages":[{"page_no":1}],"texts":[{"label":"title","text":"hi"}],"tables":[{"rows":[["a"]]}]}}`
	srv := newEngineServer(t, http.StatusOK, body)
	remote, err := NewRemote(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("NewRemote returned error: %v", err)
	}

	res, err := remote.Convert(context.Background(), writeFile(t, "doc.md", []byte("# hi")))
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if res.Status != StatusSuccess || res.Document == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Document.Body) != 2 {
		t.Fatalf("body not normalized: %+v", res.Document.Body)
	}
}

func TestRemoteConvertNullDocument(t *testing.T) {
	srv := newEngineServer(t, http.StatusOK, `{"status":"failure","document":null}`)
	remote, _ := NewRemote(srv.URL, time.Second)

	res, err := remote.Convert(context.Background(), writeFile(t, "doc.md", []byte("# hi")))
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if res.Document != nil {
		t.Fatalf("expected nil document, got %+v", res.Document)
	}
}

func TestRemoteConvertRejectsInvalidResponse(t *testing.T) {
	srv := newEngineServer(t, http.StatusOK, `{"status":"done","document":{"texts":[{"label":"heading"}]}}`)
	remote, _ := NewRemote(srv.URL, time.Second)

	_, err := remote.Convert(context.Background(), writeFile(t, "doc.md", []byte("# hi")))
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestRemoteConvertHTTPError(t *testing.T) {
	srv := newEngineServer(t, http.StatusInternalServerError, "boom")
	remote, _ := NewRemote(srv.URL, time.Second)

	_, err := remote.Convert(context.Background(), writeFile(t, "doc.md", []byte("# hi")))
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestRemotePing(t *testing.T) {
	ok := newEngineServer(t, http.StatusOK, "")
	remote, _ := NewRemote(ok.URL, time.Second)
	if err := remote.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}

	down := newEngineServer(t, http.StatusServiceUnavailable, "")
	remote, _ = NewRemote(down.URL, time.Second)
	if err := remote.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping error")
	}
}

func TestNewRemoteRequiresURL(t *testing.T) {
	if _, err := NewRemote(" ", time.Second); err == nil {
		t.Fatal("expected error for empty url")
	}
}
