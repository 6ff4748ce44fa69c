// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzalab/cadenza/services/composer"
	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	svc, err := composer.New(composer.Options{DB: db})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	r := gin.New()
	New(svc, nil).Register(r)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createProject(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/projects", gin.H{
		"name": "quartet",
		"spec": gin.H{
			"title":           "Quartet in C",
			"tempo":           96,
			"instrumentation": []string{"violin I", "violin II", "viola", "cello"},
			"form":            []gin.H{{"label": "A", "measures": 4}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var proj struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &proj))
	require.NotEmpty(t, proj.ID)
	return proj.ID
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProjectLifecycle(t *testing.T) {
	r := newTestRouter(t)
	id := createProject(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/v1/projects/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+id+"/generate", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var version struct {
		Number  uint64 `json:"number"`
		Partial bool   `json:"partial"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &version))
	assert.Equal(t, uint64(1), version.Number)
	assert.False(t, version.Partial)

	w = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+id+"/revise",
		gin.H{"feedback": "add drama to measures 2-3"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/api/v1/projects/"+id+"/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Versions []json.RawMessage `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Versions, 2)

	w = doJSON(t, r, http.MethodGet, "/api/v1/projects/"+id+"/diff?from=1&to=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var diff struct {
		ChangedSections []struct {
			Label    string `json:"label"`
			Measures []struct {
				Index int `json:"index"`
			} `json:"measures"`
		} `json:"changed_sections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &diff))
	require.Len(t, diff.ChangedSections, 1)
	assert.Len(t, diff.ChangedSections[0].Measures, 2)
}

func TestAnalyzeEndpoint(t *testing.T) {
	r := newTestRouter(t)
	id := createProject(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/v1/projects/"+id+"/generate", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+id+"/analyze", gin.H{"version": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results map[string]json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)
}

func TestUnknownProjectIs404(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/projects/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/projects/nope/generate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnparseableFeedbackIs400(t *testing.T) {
	r := newTestRouter(t)
	id := createProject(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/v1/projects/"+id+"/generate", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+id+"/revise",
		gin.H{"feedback": "I like turtles"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviseRequiresExactlyOneInput(t *testing.T) {
	r := newTestRouter(t)
	id := createProject(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/v1/projects/"+id+"/revise", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBadVersionNumberIs400(t *testing.T) {
	r := newTestRouter(t)
	id := createProject(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/v1/projects/"+id+"/versions/banana", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/projects/%s/diff?from=x&to=2", id), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissingVersionIs404(t *testing.T) {
	r := newTestRouter(t)
	id := createProject(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/v1/projects/"+id+"/versions/7", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
