package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"labtrack/models"
	"labtrack/pkg/labs"

	"github.com/gin-gonic/gin"
)

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// stubPage is one canned vision answer; err simulates a failed model call or
// unparseable page content.
type stubPage struct {
	res labs.PageResult
	err error
}

// stubExtractor returns canned page results in order, standing in for the
// vision model so the flow tests need no API key or network.
type stubExtractor struct {
	pages []stubPage
	calls int
}

func (s *stubExtractor) ExtractPage(ctx context.Context, pagePNG []byte) (labs.PageResult, error) {
	if s.calls >= len(s.pages) {
		return labs.PageResult{}, fmt.Errorf("unexpected page %d", s.calls+1)
	}
	p := s.pages[s.calls]
	s.calls++
	return p.res, p.err
}

// stubExtraction installs canned vision answers and a matching page renderer.
func stubExtraction(t *testing.T, pages []stubPage) {
	visionClient = &stubExtractor{pages: pages}
	prev := renderPages
	renderPages = func(ctx context.Context, pdf []byte, dpi int) ([][]byte, error) {
		out := make([][]byte, len(pages))
		for i := range out {
			out[i] = []byte(fmt.Sprintf("page%d", i+1))
		}
		return out, nil
	}
	t.Cleanup(func() { renderPages = prev })
}

func hemoglobinPage(date string) stubPage {
	unit := "g/dL"
	low, high := 12.0, 16.0
	p := stubPage{res: labs.PageResult{Tests: map[string]labs.TestValue{
		"Hemoglobin": {Value: 14.2, Unit: &unit, RefLow: &low, RefHigh: &high},
		"Glucose":    {Value: 90},
	}}}
	if date != "" {
		p.res.SampleDate = &date
	}
	return p
}

func setupTestServer(t *testing.T) *gin.Engine {
	// integration tests are opt-in. Set DB_DSN_TEST=1 and DB_DSN to run them.
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	gin.SetMode(gin.TestMode)
	jwtSecret = []byte("test-secret")
	initDB()
	t.Setenv("UPLOAD_BASE", t.TempDir())
	ensureUploadBase()

	// run extraction inline with the default two-page document
	queueCfg = queueConfig{Development: true}
	stubExtraction(t, []stubPage{
		hemoglobinPage("2024-03-01"),
		{res: labs.PageResult{Tests: map[string]labs.TestValue{
			"Glucose": {Value: 95}, // later page overrides
		}}},
	})

	r := gin.Default()
	setupRoutes(r)
	return r
}

func registerAndLogin(t *testing.T, r http.Handler, username string) string {
	body, _ := json.Marshal(map[string]string{"username": username, "password": "pass123"})
	resp := performRequest(r, http.MethodPost, "/register", bytes.NewBuffer(body), "", "application/json")
	if resp.Code != 200 && resp.Code != 409 {
		t.Fatalf("register failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	resp = performRequest(r, http.MethodPost, "/login", bytes.NewBuffer(body), "", "application/json")
	if resp.Code != 200 {
		t.Fatalf("login failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var loginResp map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &loginResp)
	token, _ := loginResp["token"].(string)
	if token == "" {
		t.Fatalf("empty token in login response: %+v", loginResp)
	}
	return token
}

func createProfile(t *testing.T, r http.Handler, token string) uint {
	body, _ := json.Marshal(map[string]string{"display_name": "Self"})
	resp := performRequest(r, http.MethodPost, "/profiles", bytes.NewBuffer(body), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create profile failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var prof struct {
		ID uint `json:"id"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &prof)
	return prof.ID
}

func uploadPDF(t *testing.T, r http.Handler, token string, profileID uint, name string, pdf []byte) *httptest.ResponseRecorder {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	_ = mw.WriteField("profile_id", fmt.Sprint(profileID))
	w, _ := mw.CreateFormFile("file", name)
	_, _ = w.Write(pdf)
	_ = mw.Close()
	return performRequest(r, http.MethodPost, "/uploads", buf, token, mw.FormDataContentType())
}

func uniquePDF(label string) []byte {
	return []byte(fmt.Sprintf("%%PDF-1.4\n%s %d\n%%%%EOF", label, time.Now().UnixNano()))
}

func TestUploadToConfirmFlow(t *testing.T) {
	r := setupTestServer(t)
	token := registerAndLogin(t, r, fmt.Sprintf("labuser%d", time.Now().UnixNano()))
	profileID := createProfile(t, r, token)

	pdf := uniquePDF("fake lab report")

	// upload
	resp := uploadPDF(t, r, token, profileID, "cbc.pdf", pdf)
	if resp.Code != 200 {
		t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var up struct {
		UploadID string `json:"uploadId"`
		Status   string `json:"status"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &up)
	if up.UploadID == "" || up.Status != "pending" {
		t.Fatalf("unexpected upload response: %s", resp.Body.String())
	}

	// identical bytes while the first is in flight must conflict
	resp = uploadPDF(t, r, token, profileID, "cbc.pdf", pdf)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate in progress, got %d body=%s", resp.Code, resp.Body.String())
	}
	var dup map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &dup)
	if dup["kind"] != "in_progress" {
		t.Fatalf("expected in_progress conflict, got %+v", dup)
	}

	// non-PDF bytes are rejected up front
	resp = uploadPDF(t, r, token, profileID, "notes.txt", []byte("plain text"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-PDF, got %d body=%s", resp.Code, resp.Body.String())
	}

	// extract inline
	resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/extract", nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("extract failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var ext struct {
		Status        string `json:"status"`
		MetricCount   int    `json:"metricCount"`
		ExtractedData struct {
			SampleDate string        `json:"sample_date"`
			Metrics    []labs.Metric `json:"metrics"`
		} `json:"extractedData"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &ext)
	if ext.Status != "review" {
		t.Fatalf("expected review after extraction, got %s (body=%s)", ext.Status, resp.Body.String())
	}
	if ext.MetricCount != 2 {
		t.Fatalf("expected 2 merged metrics, got %d", ext.MetricCount)
	}
	if ext.ExtractedData.SampleDate != "2024-03-01" {
		t.Fatalf("expected sample date from page 1, got %q", ext.ExtractedData.SampleDate)
	}
	for _, m := range ext.ExtractedData.Metrics {
		if m.Name == "Glucose" && m.Value != 95 {
			t.Fatalf("later page should win for Glucose, got %v", m.Value)
		}
	}

	// a second extract trigger must conflict, not restart
	resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/extract", nil, token, "")
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for re-extract, got %d body=%s", resp.Code, resp.Body.String())
	}

	// confirm the reviewed values
	confirmBody, _ := json.Marshal(map[string]any{
		"sampleDate": "2024-03-01",
		"metrics": []map[string]any{
			{"name": "Hemoglobin", "value": 14.2, "unit": "g/dL", "ref_low": 12.0, "ref_high": 16.0},
			{"name": "Glucose", "value": 95.0},
		},
	})
	resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/confirm", bytes.NewBuffer(confirmBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("confirm failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var conf struct {
		Success         bool `json:"success"`
		ReportID        uint `json:"reportId"`
		MetricsInserted int  `json:"metricsInserted"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &conf)
	if !conf.Success || conf.ReportID == 0 || conf.MetricsInserted != 2 {
		t.Fatalf("unexpected confirm response: %s", resp.Body.String())
	}

	// the same bytes again now hit the processed-file ledger
	resp = uploadPDF(t, r, token, profileID, "cbc.pdf", pdf)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for confirmed duplicate, got %d body=%s", resp.Code, resp.Body.String())
	}
	dup = map[string]any{}
	_ = json.Unmarshal(resp.Body.Bytes(), &dup)
	if dup["kind"] != "confirmed" || dup["sampleDate"] != "2024-03-01" {
		t.Fatalf("expected confirmed conflict with sample date, got %+v", dup)
	}

	// confirmed uploads cannot be cancelled
	resp = performRequest(r, http.MethodDelete, "/uploads/"+up.UploadID, nil, token, "")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 deleting confirmed upload, got %d body=%s", resp.Code, resp.Body.String())
	}

	// the confirmed report shows up with its metrics
	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/reports?profileId=%d", profileID), nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("list reports failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var reports []struct {
		SampleDate string `json:"sampleDate"`
		Metrics    []struct {
			Name string  `json:"name"`
			Flag *string `json:"flag"`
		} `json:"metrics"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &reports)
	if len(reports) != 1 || reports[0].SampleDate != "2024-03-01" || len(reports[0].Metrics) != 2 {
		t.Fatalf("unexpected reports: %s", resp.Body.String())
	}
	for _, m := range reports[0].Metrics {
		if m.Name == "Hemoglobin" {
			if m.Flag == nil || *m.Flag != "N" {
				t.Fatalf("expected N flag for in-range Hemoglobin, got %v", m.Flag)
			}
		}
	}

	// dashboard series aligned to the single report date
	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/dashboard?profileId=%d", profileID), nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("dashboard failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var dash struct {
		Dates   []string                   `json:"dates"`
		Metrics map[string]json.RawMessage `json:"metrics"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &dash)
	if len(dash.Dates) != 1 || dash.Dates[0] != "2024-03-01" || len(dash.Metrics) != 2 {
		t.Fatalf("unexpected dashboard: %s", resp.Body.String())
	}

	// unauthorized access to protected endpoint should be 401
	unauth := performRequest(r, http.MethodGet, "/uploads", nil, "", "")
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthorized list uploads, got %d", unauth.Code)
	}
}

func TestExtractionSkipsFailedPage(t *testing.T) {
	r := setupTestServer(t)
	token := registerAndLogin(t, r, fmt.Sprintf("labuser%d", time.Now().UnixNano()))
	profileID := createProfile(t, r, token)

	// middle page fails; the surviving pages must still reach review
	stubExtraction(t, []stubPage{
		hemoglobinPage("2024-05-10"),
		{err: fmt.Errorf("vision status 502: upstream error")},
		{res: labs.PageResult{Tests: map[string]labs.TestValue{
			"Creatinine": {Value: 0.9},
		}}},
	})

	resp := uploadPDF(t, r, token, profileID, "panel.pdf", uniquePDF("partial failure"))
	if resp.Code != 200 {
		t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var up struct {
		UploadID string `json:"uploadId"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &up)

	resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/extract", nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("extract with one failed page must still succeed, got %d body=%s", resp.Code, resp.Body.String())
	}
	var ext struct {
		Status        string `json:"status"`
		MetricCount   int    `json:"metricCount"`
		ExtractedData struct {
			Metrics []labs.Metric `json:"metrics"`
		} `json:"extractedData"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &ext)
	if ext.Status != "review" {
		t.Fatalf("expected review, got %s (body=%s)", ext.Status, resp.Body.String())
	}
	if ext.MetricCount != 3 {
		t.Fatalf("expected the 3 metrics from surviving pages, got %d", ext.MetricCount)
	}
	names := map[string]bool{}
	for _, m := range ext.ExtractedData.Metrics {
		names[m.Name] = true
	}
	if !names["Hemoglobin"] || !names["Glucose"] || !names["Creatinine"] {
		t.Fatalf("surviving pages' tests missing: %v", names)
	}
}

func TestExtractionFailureRevertsToPending(t *testing.T) {
	r := setupTestServer(t)
	token := registerAndLogin(t, r, fmt.Sprintf("labuser%d", time.Now().UnixNano()))
	profileID := createProfile(t, r, token)

	// renderer failure with an oversized message; the revert must still land
	prev := renderPages
	renderPages = func(ctx context.Context, pdf []byte, dpi int) ([][]byte, error) {
		return nil, fmt.Errorf("pdftoppm: exit status 1: %s", strings.Repeat("syntax error near object 12\n", 200))
	}
	t.Cleanup(func() { renderPages = prev })

	resp := uploadPDF(t, r, token, profileID, "broken.pdf", uniquePDF("render failure"))
	if resp.Code != 200 {
		t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var up struct {
		UploadID string `json:"uploadId"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &up)

	resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/extract", nil, token, "")
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for failed extraction, got %d body=%s", resp.Code, resp.Body.String())
	}

	resp = performRequest(r, http.MethodGet, "/uploads/"+up.UploadID, nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("get upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var got struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &got)
	if got.Status != "pending" {
		t.Fatalf("failed extraction must revert to pending, got %s", got.Status)
	}
	if got.ErrorMessage == "" || len(got.ErrorMessage) > errorMessageLimit {
		t.Fatalf("error message must be recorded within the column bound, got %d bytes", len(got.ErrorMessage))
	}

	// retry is possible without re-uploading
	renderPages = prev
	stubExtraction(t, []stubPage{hemoglobinPage("2024-06-01")})
	resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/extract", nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("retry after failure must work, got %d body=%s", resp.Code, resp.Body.String())
	}
}

func TestConfirmIdempotentAndNonDestructive(t *testing.T) {
	r := setupTestServer(t)
	token := registerAndLogin(t, r, fmt.Sprintf("labuser%d", time.Now().UnixNano()))
	profileID := createProfile(t, r, token)

	runUploadThroughReview := func(label string, pages []stubPage) string {
		stubExtraction(t, pages)
		resp := uploadPDF(t, r, token, profileID, label+".pdf", uniquePDF(label))
		if resp.Code != 200 {
			t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
		}
		var up struct {
			UploadID string `json:"uploadId"`
		}
		_ = json.Unmarshal(resp.Body.Bytes(), &up)
		resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/extract", nil, token, "")
		if resp.Code != 200 {
			t.Fatalf("extract failed status=%d body=%s", resp.Code, resp.Body.String())
		}
		return up.UploadID
	}

	confirm := func(uploadID string, metrics []map[string]any) (inserted, updated int) {
		body, _ := json.Marshal(map[string]any{"sampleDate": "2024-07-01", "metrics": metrics})
		resp := performRequest(r, http.MethodPost, "/uploads/"+uploadID+"/confirm", bytes.NewBuffer(body), token, "application/json")
		if resp.Code != 200 {
			t.Fatalf("confirm failed status=%d body=%s", resp.Code, resp.Body.String())
		}
		var conf struct {
			MetricsInserted int `json:"metricsInserted"`
			MetricsUpdated  int `json:"metricsUpdated"`
		}
		_ = json.Unmarshal(resp.Body.Bytes(), &conf)
		return conf.MetricsInserted, conf.MetricsUpdated
	}

	// first document establishes the metric with unit and range
	first := runUploadThroughReview("first", []stubPage{hemoglobinPage("2024-07-01")})
	inserted, updated := confirm(first, []map[string]any{
		{"name": "Hemoglobin", "value": 14.2, "unit": "g/dL", "ref_low": 12.0, "ref_high": 16.0},
	})
	if inserted != 1 || updated != 0 {
		t.Fatalf("first confirm: expected 1 inserted / 0 updated, got %d/%d", inserted, updated)
	}

	// second document, same date and metric name, no unit or range supplied:
	// must update in place, never duplicate, never erase the known unit
	second := runUploadThroughReview("second", []stubPage{hemoglobinPage("2024-07-01")})
	inserted, updated = confirm(second, []map[string]any{
		{"name": "Hemoglobin", "value": 15.1},
	})
	if inserted != 0 || updated != 1 {
		t.Fatalf("re-confirm: expected 0 inserted / 1 updated, got %d/%d", inserted, updated)
	}

	resp := performRequest(r, http.MethodGet, fmt.Sprintf("/reports?profileId=%d", profileID), nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("list reports failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var reports []struct {
		SampleDate string `json:"sampleDate"`
		Metrics    []struct {
			Name    string   `json:"name"`
			Value   float64  `json:"value"`
			Unit    *string  `json:"unit"`
			RefLow  *float64 `json:"ref_low"`
			RefHigh *float64 `json:"ref_high"`
			Flag    *string  `json:"flag"`
		} `json:"metrics"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &reports)
	if len(reports) != 1 || len(reports[0].Metrics) != 1 {
		t.Fatalf("expected one report with one metric row, got %s", resp.Body.String())
	}
	m := reports[0].Metrics[0]
	if m.Value != 15.1 {
		t.Fatalf("re-confirm must overwrite the value, got %v", m.Value)
	}
	if m.Unit == nil || *m.Unit != "g/dL" {
		t.Fatalf("blank unit must not erase the known one, got %v", m.Unit)
	}
	if m.RefLow == nil || *m.RefLow != 12 || m.RefHigh == nil || *m.RefHigh != 16 {
		t.Fatalf("blank range must not erase the known one, got %v/%v", m.RefLow, m.RefHigh)
	}
	if m.Flag == nil || *m.Flag != "N" {
		t.Fatalf("flag must be recomputed against the kept range, got %v", m.Flag)
	}
}

func TestConfirmConflictsWhenUploadLeavesReview(t *testing.T) {
	r := setupTestServer(t)
	token := registerAndLogin(t, r, fmt.Sprintf("labuser%d", time.Now().UnixNano()))
	profileID := createProfile(t, r, token)

	resp := uploadPDF(t, r, token, profileID, "race.pdf", uniquePDF("confirm race"))
	if resp.Code != 200 {
		t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var up struct {
		UploadID string `json:"uploadId"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &up)
	resp = performRequest(r, http.MethodPost, "/uploads/"+up.UploadID+"/extract", nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("extract failed status=%d body=%s", resp.Code, resp.Body.String())
	}

	// simulate a cancel landing between the handler's status check and the
	// confirm transaction
	var row models.PendingUpload
	if err := db.Where("token = ?", up.UploadID).First(&row).Error; err != nil {
		t.Fatalf("load upload row: %v", err)
	}
	if row.Status != models.StatusReview {
		t.Fatalf("expected review, got %s", row.Status)
	}
	if err := db.Model(&models.PendingUpload{}).Where("id = ?", row.ID).
		Update("status", models.StatusRejected).Error; err != nil {
		t.Fatalf("force reject: %v", err)
	}

	_, _, _, err := confirmUpload(&row, "2024-08-01", []labs.Metric{{Name: "Hemoglobin", Value: 14.2}})
	if !errors.Is(err, errConfirmConflict) {
		t.Fatalf("expected confirm conflict, got %v", err)
	}
	// the rolled-back transaction must leave no report behind
	var count int64
	db.Model(&models.Report{}).Where("profile_id = ? AND sample_date = ?", profileID, "2024-08-01").Count(&count)
	if count != 0 {
		t.Fatalf("conflicting confirm must not commit a report, found %d", count)
	}
}

func TestCancelReleasesDuplicateGuard(t *testing.T) {
	r := setupTestServer(t)
	token := registerAndLogin(t, r, fmt.Sprintf("labuser%d", time.Now().UnixNano()))
	profileID := createProfile(t, r, token)

	pdf := uniquePDF("cancel flow")
	resp := uploadPDF(t, r, token, profileID, "cbc.pdf", pdf)
	if resp.Code != 200 {
		t.Fatalf("upload failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var up struct {
		UploadID string `json:"uploadId"`
	}
	_ = json.Unmarshal(resp.Body.Bytes(), &up)

	// cancel, then the same bytes must be accepted again
	resp = performRequest(r, http.MethodDelete, "/uploads/"+up.UploadID, nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("cancel failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	resp = uploadPDF(t, r, token, profileID, "cbc.pdf", pdf)
	if resp.Code != 200 {
		t.Fatalf("re-upload after cancel failed status=%d body=%s", resp.Code, resp.Body.String())
	}
}

func TestMigrateCommand(t *testing.T) {
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	initDB()
}
