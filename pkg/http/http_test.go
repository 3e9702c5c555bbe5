package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listRequest struct {
	Name  string `query:"name" json:"name" validate:"required"`
	Limit int    `query:"limit" json:"limit" default:"10" validate:"gte=1,lte=100"`
}

type routes struct{}

func (routes) RegisterRoutes(e *echo.Echo) {
	e.GET("/items", func(c echo.Context) error {
		req := &listRequest{}
		if verr := ReadAndValidateRequest(c, req); verr != nil {
			return BadRequestResponse(c, verr)
		}
		return SuccessResponse(c, req)
	})
	e.GET("/missing", func(c echo.Context) error {
		return AppErrorResponse(c, NotFoundError("no such item").WithParam("id", 7))
	})
	e.GET("/broken", func(c echo.Context) error {
		return AppErrorResponse(c, errors.New("db down"))
	})
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func get(t *testing.T, e *echo.Echo, target string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestReadAndValidateRequest(t *testing.T) {
	e := NewServer(routes{}, WithMetricsPath("")).Echo()

	rec, env := get(t, e, "/items?name=a")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusOK, env.Status)
	var got listRequest
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, 10, got.Limit, "default applied")

	_, env = get(t, e, "/items?limit=500")
	require.Equal(t, http.StatusBadRequest, env.Status)
	var verrs []ValidationError
	require.NoError(t, json.Unmarshal(env.Data, &verrs))
	require.Len(t, verrs, 2)
	assert.Equal(t, "name", verrs[0].Field)
	assert.Equal(t, "ERR_REQUIRED", verrs[0].Code)
	assert.Equal(t, "limit", verrs[1].Field)
	assert.Equal(t, "100", verrs[1].Params["max"])
}

func TestAppErrorResponse(t *testing.T) {
	e := NewServer(routes{}).Echo()

	rec, env := get(t, e, "/missing")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.Status)
	var errs []AppError
	require.NoError(t, json.Unmarshal(env.Data, &errs))
	assert.Equal(t, "ERR_NOT_FOUND", errs[0].Code)
	assert.EqualValues(t, 7, errs[0].Params["id"])

	_, env = get(t, e, "/broken")
	assert.Equal(t, http.StatusInternalServerError, env.Status)
	assert.NotContains(t, string(env.Data), "db down")
}

func TestCORSOrigins(t *testing.T) {
	e := NewServer(routes{}, WithCORSOrigins("https://ui.example")).Echo()

	rec, _ := get(t, e, "/items?name=a", echo.HeaderOrigin, "https://ui.example")
	assert.Equal(t, "https://ui.example", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	rec, _ = get(t, e, "/items?name=a", echo.HeaderOrigin, "https://other.example")
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestMetricsPathMounted(t *testing.T) {
	e := NewServer(nil).Echo()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/echo":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var body map[string]int
			_ = json.NewDecoder(r.Body).Decode(&body)
			body["n"]++
			_ = json.NewEncoder(w).Encode(body)
		default:
			http.Error(w, "nope", http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL+"/v1/"), WithTimeout(time.Second), WithBearerToken("tok"))
	var out map[string]int
	require.NoError(t, c.SendAndParse(context.Background(), &RequestOptions{Method: MethodPost, Path: "/echo", Body: map[string]int{"n": 1}}, &out))
	assert.Equal(t, 2, out["n"])

	err := c.SendAndParse(context.Background(), &RequestOptions{Method: MethodGet, Path: "/other"}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTeapot, se.Code)
	assert.Equal(t, "nope", se.Body)
	assert.False(t, se.Temporary())
}
