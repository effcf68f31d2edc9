package filters

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/segeter/pirest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCORSServer opens a plain server with the cors installed and one
// /anything route and returns the bound address.
func startCORSServer(t *testing.T, cors *CORS) string {
	t.Helper()

	s := pirest.NewPlainServer()
	s.Setting().AddFilter(cors)
	require.NoError(t, s.HandleFunc(
		"/anything",
		func(c *pirest.Conn) {
			c.RespondString(http.StatusOK, "ok", "text/plain")
		},
		[]string{"GET", "POST"},
	))

	require.NoError(t, s.ListenAndServe("127.0.0.1", 0))
	t.Cleanup(s.Close)

	return s.LocalEndpoint().String()
}

// testClient returns an HTTP client that does not share cached connections
// with other tests.
func testClient(t *testing.T) *http.Client {
	t.Helper()

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)

	return &http.Client{
		Transport: transport,
		Timeout:   5 * time.Second,
	}
}

func TestCORSName(t *testing.T) {
	assert.Equal(t, "CorsFilter", NewCORS(CORSConfig{}).Name())
}

func TestCORSPreflightAnyOrigin(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowAnyOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
	}))
	client := testClient(t)

	req, err := http.NewRequest(
		http.MethodOptions,
		"http://"+addr+"/anything",
		nil,
	)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://a.example")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(
		t,
		"https://a.example",
		resp.Header.Get("Access-Control-Allow-Origin"),
	)
	assert.Equal(
		t,
		"GET,POST,OPTIONS",
		resp.Header.Get("Access-Control-Allow-Methods"),
	)
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))
}

func TestCORSPreflightMethodNotAllowed(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowAnyOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
	}))
	client := testClient(t)

	req, err := http.NewRequest(
		http.MethodOptions,
		"http://"+addr+"/anything",
		nil,
	)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://a.example")
	req.Header.Set("Access-Control-Request-Method", "DELETE")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightMissingRequestMethod(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowAnyOrigins: true,
		AllowMethods:    []string{"GET"},
	}))
	client := testClient(t)

	req, err := http.NewRequest(
		http.MethodOptions,
		"http://"+addr+"/anything",
		nil,
	)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://a.example")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSOptionsWithoutOrigin(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowAnyOrigins: true,
		AllowMethods:    []string{"GET"},
	}))
	client := testClient(t)

	req, err := http.NewRequest(
		http.MethodOptions,
		"http://"+addr+"/anything",
		nil,
	)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Allow"))
	assert.Equal(t, "3600", resp.Header.Get("Age"))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightHeaders(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowOrigins: []string{"https://a.example"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Authorization"},
	}))
	client := testClient(t)

	preflight := func(headers string) *http.Response {
		req, err := http.NewRequest(
			http.MethodOptions,
			"http://"+addr+"/anything",
			nil,
		)
		require.NoError(t, err)
		req.Header.Set("Origin", "https://a.example")
		req.Header.Set("Access-Control-Request-Method", "GET")
		req.Header.Set("Access-Control-Request-Headers", headers)

		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		return resp
	}

	resp := preflight("Authorization")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(
		t,
		"authorization",
		resp.Header.Get("Access-Control-Allow-Headers"),
	)

	resp = preflight(" authorization , x-other ")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCORSActualRequest(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowOrigins:  []string{"https://A.example:443"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		ExposeHeaders: []string{"authorization"},
	}))
	client := testClient(t)

	req, err := http.NewRequest(
		http.MethodGet,
		"http://"+addr+"/anything",
		nil,
	)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://a.example")

	resp, err := client.Do(req)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(b))
	assert.Equal(
		t,
		"https://a.example",
		resp.Header.Get("Access-Control-Allow-Origin"),
	)
	assert.Equal(
		t,
		"authorization",
		resp.Header.Get("Access-Control-Expose-Headers"),
	)
}

func TestCORSOriginRejected(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowOrigins: []string{"https://a.example"},
		AllowMethods: []string{"GET"},
	}))
	client := testClient(t)

	req, err := http.NewRequest(
		http.MethodGet,
		"http://"+addr+"/anything",
		nil,
	)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")

	resp, err := client.Do(req)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Origin not allowed", string(b))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSWithoutOriginPasses(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowOrigins: []string{"https://a.example"},
		AllowMethods: []string{"GET"},
	}))
	client := testClient(t)

	resp, err := client.Get("http://" + addr + "/anything")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(b))
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowCredentials(t *testing.T) {
	addr := startCORSServer(t, NewCORS(CORSConfig{
		AllowOrigins:     []string{"https://a.example"},
		AllowMethods:     []string{"GET"},
		AllowCredentials: true,
	}))
	client := testClient(t)

	req, err := http.NewRequest(
		http.MethodGet,
		"http://"+addr+"/anything",
		nil,
	)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://a.example")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(
		t,
		"true",
		resp.Header.Get("Access-Control-Allow-Credentials"),
	)
}

func TestNormalizeOrigin(t *testing.T) {
	assert.Equal(
		t,
		"https://a.example",
		normalizeOrigin("https://A.example:443"),
	)
	assert.Equal(
		t,
		"http://a.example",
		normalizeOrigin("http://a.example:80"),
	)

	// only the exact default-port suffix is stripped
	assert.Equal(
		t,
		"http://a.example:8080",
		normalizeOrigin("http://a.example:8080"),
	)
}

func TestTrimAllSpace(t *testing.T) {
	assert.Equal(t, "a,b,c", trimAllSpace(" a, b ,\tc\r\n"))
	assert.Empty(t, trimAllSpace(" \t "))
}
