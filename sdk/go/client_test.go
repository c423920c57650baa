package leadlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.RequestURI()
		var body map[string]any
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotBody, _ = body["reason"].(string)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"identity":"tower-a--acme","state":"SKIPPED","followups":0}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	p, err := c.Skip(context.Background(), "tower-a--acme", "replied")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v0/projects/tower-a--acme/skip", gotPath)
	assert.Equal(t, "replied", gotBody)
	assert.Equal(t, "SKIPPED", p.State)
}

func TestClientHistoryPageQuery(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{"items":[{"id":3,"action":"sent","identity":"tower-a--acme"}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BasePath = ""
	page, err := c.HistoryPage(context.Background(), 1, "2")
	require.NoError(t, err)
	assert.Equal(t, "/history?cursor=2&limit=1", gotPath)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "sent", page.Items[0].Action)
	assert.Equal(t, "3", page.NextCursor)
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_unconfirmed","message":"no send in flight"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Resolve(context.Background(), "tower-a--acme", true, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "not_unconfirmed", apiErr.Code)
}
