package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var watchClient = &http.Client{Timeout: 5 * time.Second}

// SessionRow is the per-session data the watch table shows.
type SessionRow struct {
	ID      string
	System  string
	Version string
	State   string
	Creator string
	Created time.Time
}

type sessionsMsg struct {
	rows []SessionRow
	err  error
}

type listResponse struct {
	Sessions []string `json:"sessions"`
}

type infoResponse struct {
	DisplayName   string    `json:"display_name"`
	SystemName    string    `json:"system_name"`
	SystemVersion string    `json:"system_version"`
	Creator       string    `json:"creator_name"`
	CreatedAt     time.Time `json:"creation_date"`
	State         string    `json:"session_state"`
}

// fetchSessions polls the API for the current session table.
func fetchSessions(apiURL, apiKey string) sessionsMsg {
	var list listResponse
	if err := getJSON(apiURL+"/sessions", apiKey, &list); err != nil {
		return sessionsMsg{err: err}
	}
	rows := make([]SessionRow, 0, len(list.Sessions))
	for _, id := range list.Sessions {
		var info infoResponse
		if err := getJSON(apiURL+"/sessions/"+id, apiKey, &info); err != nil {
			return sessionsMsg{err: err}
		}
		rows = append(rows, SessionRow{
			ID:      id,
			System:  info.SystemName,
			Version: info.SystemVersion,
			State:   info.State,
			Creator: info.Creator,
			Created: info.CreatedAt,
		})
	}
	return sessionsMsg{rows: rows}
}

func getJSON(url, apiKey string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := watchClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
