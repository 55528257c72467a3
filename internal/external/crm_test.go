package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awards-be/internal/domain"
	"awards-be/pkg/logger"
)

func TestCRMClient_UpsertContact(t *testing.T) {
	var gotPath, gotAuth, gotMethod string
	var gotBody Contact
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewCRMClient(context.Background(), CRMConfig{BaseURL: server.URL + "/", APIKey: "secret"}, logger.NewNop())

	err := client.UpsertContact(context.Background(), Contact{Email: "a+b@x.com", FirstName: "Ada"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/contacts/a+b@x.com", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "Ada", gotBody.FirstName)
}

func TestCRMClient_UpsertDeal(t *testing.T) {
	var gotPath string
	var gotBody Deal
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewCRMClient(context.Background(), CRMConfig{BaseURL: server.URL}, logger.NewNop())

	err := client.UpsertDeal(context.Background(), Deal{NominationID: "N1", VoteTotal: 6, Stage: "approved"})
	require.NoError(t, err)
	assert.Equal(t, "/deals/N1", gotPath)
	assert.Equal(t, int64(6), gotBody.VoteTotal)
}

func TestCRMClient_OAuth2ClientCredentials(t *testing.T) {
	var tokenRequests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/deals/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewCRMClient(context.Background(), CRMConfig{
		BaseURL:      server.URL,
		TokenURL:     server.URL + "/oauth/token",
		ClientID:     "awards",
		ClientSecret: "s3cret",
	}, logger.NewNop())

	require.NoError(t, client.UpsertDeal(context.Background(), Deal{NominationID: "N1"}))
	require.NoError(t, client.UpsertDeal(context.Background(), Deal{NominationID: "N2"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenRequests), "token is cached")
}

func TestCRMClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "server error is retryable", status: http.StatusServiceUnavailable, permanent: false},
		{name: "throttling is retryable", status: http.StatusTooManyRequests, permanent: false},
		{name: "timeout is retryable", status: http.StatusRequestTimeout, permanent: false},
		{name: "bad request is permanent", status: http.StatusBadRequest, permanent: true},
		{name: "unprocessable is permanent", status: http.StatusUnprocessableEntity, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			client := NewCRMClient(context.Background(), CRMConfig{BaseURL: server.URL}, logger.NewNop())
			err := client.UpsertDeal(context.Background(), Deal{NominationID: "N1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrExternalSync)
			assert.Equal(t, tt.permanent, IsPermanent(err))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestCRMClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewCRMClient(context.Background(), CRMConfig{BaseURL: url}, logger.NewNop())
	err := client.UpsertContact(context.Background(), Contact{Email: "a@x.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalSync)
	assert.False(t, IsPermanent(err))
}
