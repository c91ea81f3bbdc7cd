//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

func baseURL() string {
	if v := os.Getenv("ENGAGE_TEST_BASE_URL"); strings.TrimSpace(v) != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:18080"
}

func TestSessionJourneyIntegration(t *testing.T) {
	client := &http.Client{Timeout: 5 * time.Second}
	base := baseURL()

	email := fmt.Sprintf("integration_%d@example.com", time.Now().UnixNano())
	password := "Secret123!"

	var registerResp struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	doPost(t, client, base+"/api/auth/register", "", map[string]string{
		"email":    email,
		"password": password,
	}, &registerResp)
	if registerResp.Token == "" || registerResp.UserID == "" {
		t.Fatalf("unexpected register response: %+v", registerResp)
	}
	token := registerResp.Token

	var tplResp struct {
		ID string `json:"id"`
	}
	doPost(t, client, base+"/api/templates", token, map[string]any{
		"title": "Integration quiz",
	}, &tplResp)
	if tplResp.ID == "" {
		t.Fatalf("template creation returned no id")
	}

	var pollResp struct {
		ID string `json:"id"`
	}
	doPost(t, client, base+"/api/templates/"+tplResp.ID+"/activities", token, map[string]any{
		"title": "Favourite colour?",
		"type":  "poll",
		"payload": map[string]any{
			"options": []map[string]any{
				{"id": "red", "text": "Red"},
				{"id": "blue", "text": "Blue"},
			},
		},
	}, &pollResp)
	var openResp struct {
		ID string `json:"id"`
	}
	doPost(t, client, base+"/api/templates/"+tplResp.ID+"/activities", token, map[string]any{
		"title": "Anything else?",
		"type":  "open_ended",
	}, &openResp)
	if pollResp.ID == "" || openResp.ID == "" {
		t.Fatalf("activity creation failed: %q %q", pollResp.ID, openResp.ID)
	}

	var sessResp struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		JoinCode string `json:"join_code"`
	}
	doPost(t, client, base+"/api/sessions", token, map[string]string{
		"template_id": tplResp.ID,
	}, &sessResp)
	if sessResp.ID == "" || sessResp.JoinCode == "" {
		t.Fatalf("unexpected session response: %+v", sessResp)
	}
	if sessResp.Status != "inactive" {
		t.Fatalf("expected inactive session, got %q", sessResp.Status)
	}

	var started struct {
		Status       string `json:"status"`
		CurrentIndex *int   `json:"current_index"`
	}
	doPost(t, client, base+"/api/sessions/"+sessResp.ID+"/start", token, nil, &started)
	if started.Status != "active" || started.CurrentIndex == nil || *started.CurrentIndex != 0 {
		t.Fatalf("unexpected start response: %+v", started)
	}

	var joinResp struct {
		Token         string `json:"token"`
		ParticipantID string `json:"participant_id"`
		SessionID     string `json:"session_id"`
	}
	doPost(t, client, base+"/api/join", "", map[string]string{
		"code":     sessResp.JoinCode,
		"nickname": "Sam",
	}, &joinResp)
	if joinResp.Token == "" || joinResp.SessionID != sessResp.ID {
		t.Fatalf("unexpected join response: %+v", joinResp)
	}

	var current struct {
		State    string `json:"state"`
		Activity *struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"activity"`
	}
	doGet(t, client, base+"/api/sessions/"+sessResp.ID+"/current", joinResp.Token, &current)
	if current.State != "active" || current.Activity == nil || current.Activity.Type != "poll" {
		t.Fatalf("unexpected current activity: %+v", current)
	}

	doPost(t, client, base+"/api/sessions/"+sessResp.ID+"/answers", joinResp.Token, map[string]any{
		"activity_id": current.Activity.ID,
		"payload":     map[string]string{"option_id": "red"},
	}, nil)

	doPost(t, client, base+"/api/sessions/"+sessResp.ID+"/advance", token, nil, nil)
	doGet(t, client, base+"/api/sessions/"+sessResp.ID+"/current", joinResp.Token, &current)
	if current.Activity == nil || current.Activity.Type != "open_ended" {
		t.Fatalf("advance did not move to the open question: %+v", current)
	}

	doPost(t, client, base+"/api/sessions/"+sessResp.ID+"/answers", joinResp.Token, map[string]any{
		"activity_id": current.Activity.ID,
		"payload":     map[string]string{"text": "great session"},
	}, nil)

	var finished struct {
		Status string `json:"status"`
	}
	doPost(t, client, base+"/api/sessions/"+sessResp.ID+"/advance", token, nil, &finished)
	if finished.Status != "finished" {
		t.Fatalf("advancing past the last activity should finish, got %q", finished.Status)
	}

	var results struct {
		Results []struct {
			ActivityID string `json:"activity_id"`
			Kind       string `json:"kind"`
			Options    []struct {
				OptionID string `json:"option_id"`
				Count    int    `json:"count"`
			} `json:"options"`
			Texts []string `json:"texts"`
		} `json:"results"`
	}
	doGet(t, client, base+"/api/sessions/"+sessResp.ID+"/results", token, &results)
	if len(results.Results) != 2 {
		t.Fatalf("expected 2 aggregated results, got %d", len(results.Results))
	}
	if results.Results[0].Kind != "choice" || results.Results[0].Options[0].Count != 1 {
		t.Fatalf("unexpected poll result: %+v", results.Results[0])
	}
	if results.Results[1].Kind != "text" || len(results.Results[1].Texts) != 1 {
		t.Fatalf("unexpected open-ended result: %+v", results.Results[1])
	}
}

func doPost(t *testing.T, client *http.Client, url, token string, body any, out any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	do(t, client, req, url, out)
}

func doGet(t *testing.T, client *http.Client, url, token string, out any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	do(t, client, req, url, out)
}

func do(t *testing.T, client *http.Client, req *http.Request, url string, out any) {
	t.Helper()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("http request %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status %d for %s: %s", resp.StatusCode, url, string(bodyBytes))
	}
	if out != nil {
		decoder := json.NewDecoder(resp.Body)
		if err := decoder.Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode response from %s: %v", url, err)
		}
	}
}
