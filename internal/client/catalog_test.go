package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

func newTestCatalog(t *testing.T, urlLimit int, handler http.HandlerFunc) *Catalog {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewCatalog(server.URL, urlLimit, 5*time.Second, nil)
}

func TestCatalogLogin(t *testing.T) {
	catalog := newTestCatalog(t, 1024, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)
		require.NoError(t, r.ParseForm())

		var payload struct {
			Plugin      string              `json:"plugin"`
			Credentials []map[string]string `json:"credentials"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("json")), &payload))
		require.Equal(t, "db", payload.Plugin)
		require.Equal(t, "reader", payload.Credentials[0]["username"])

		fmt.Fprint(w, `{"sessionId":"abc-123"}`)
	})

	sessionID, err := catalog.Login(context.Background(), "db", "reader", "secret")
	require.NoError(t, err)
	require.Equal(t, "abc-123", sessionID)
}

func TestCatalogGetUserName(t *testing.T) {
	catalog := newTestCatalog(t, 1024, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/sess-1", r.URL.Path)
		fmt.Fprint(w, `{"userName":"ldap/alice"}`)
	})

	userName, err := catalog.GetUserName(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "ldap/alice", userName)
}

func TestCatalogGetFullNameFallsBack(t *testing.T) {
	catalog := newTestCatalog(t, 1024, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/session/") {
			fmt.Fprint(w, `{"userName":"ldap/alice"}`)
			return
		}
		fmt.Fprint(w, `[null]`)
	})

	fullName, err := catalog.GetFullName(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "ldap/alice", fullName)
}

func TestCatalogGetDatasets(t *testing.T) {
	catalog := newTestCatalog(t, 1024, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		require.Contains(t, query, "dataset.investigation.visitId = 'VISIT''1'")
		fmt.Fprint(w, `[[1,10,100],[2,20,200]]`)
	})

	datasets, err := catalog.GetDatasets(context.Background(), "sess-1", "VISIT'1")
	require.NoError(t, err)
	require.Equal(t, []Dataset{{ID: 1, FileCount: 10, FileSize: 100}, {ID: 2, FileCount: 20, FileSize: 200}}, datasets)
}

func TestCatalogGetDatafilesChunksAndTracksMissing(t *testing.T) {
	known := map[string][]int64{
		"/loc/a": {1, 10},
		"/loc/b": {2, 20},
		"/loc/d": {4, 40},
	}
	var requests int
	catalog := newTestCatalog(t, 400, func(w http.ResponseWriter, r *http.Request) {
		requests++
		query := r.URL.Query().Get("query")
		var rows [][]interface{}
		for location, row := range known {
			if strings.Contains(query, "'"+location+"'") {
				rows = append(rows, []interface{}{row[0], location, row[1]})
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	})

	locations := []string{"/loc/a", "/loc/b", "/loc/c", "/loc/d"}
	result, err := catalog.GetDatafiles(context.Background(), "sess-1", locations)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 2, 4}, result.IDs)
	require.Equal(t, int64(70), result.TotalSize)
	require.Equal(t, []string{"/loc/c"}, result.Missing)
	require.GreaterOrEqual(t, requests, 1)
}

func TestCatalogGetDatafilesChunkURLsStayUnderLimit(t *testing.T) {
	const limit = 360
	var catalog *Catalog
	catalog = newTestCatalog(t, limit, func(w http.ResponseWriter, r *http.Request) {
		require.LessOrEqual(t, len(catalog.rest.baseURL)+len(r.URL.RequestURI()), limit,
			"chunked request URL exceeds the limit")
		fmt.Fprint(w, `[]`)
	})

	locations := make([]string, 40)
	for i := range locations {
		locations[i] = fmt.Sprintf("/instrument/cycle/experiment/file-%03d.nxs", i)
	}
	result, err := catalog.GetDatafiles(context.Background(), "sess-1", locations)
	require.NoError(t, err)
	require.Len(t, result.Missing, len(locations))
}

func TestCatalogMembershipQueries(t *testing.T) {
	var lastQuery string
	catalog := newTestCatalog(t, 1024, func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.Query().Get("query")
		fmt.Fprint(w, `[1]`)
	})

	ok, err := catalog.IsGroupMember(context.Background(), "sess-1", "ldap/alice", "beamline")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, lastQuery, "o.grouping.name = 'beamline'")
	require.Contains(t, lastQuery, "user.name = 'ldap/alice'")

	ok, err = catalog.IsInstrumentScientistFor(context.Background(), "sess-1", "ldap/alice", "WISH")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, lastQuery, "o.instrument.name = 'WISH'")
}

func TestCatalogUpstreamRejectionIsServiceError(t *testing.T) {
	catalog := newTestCatalog(t, 1024, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":"SESSION","message":"session expired"}`)
	})

	_, err := catalog.GetUserName(context.Background(), "sess-1")
	require.Error(t, err)
	require.True(t, appErrors.IsServiceError(err))

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusForbidden, appErr.Status)
	require.Equal(t, "session expired", appErr.Message)
}

func TestCatalogNetworkFailureIsPlainError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	catalog := NewCatalog(server.URL, 1024, time.Second, nil)

	_, err := catalog.GetUserName(context.Background(), "sess-1")
	require.Error(t, err)
	require.False(t, appErrors.IsServiceError(err))
}
