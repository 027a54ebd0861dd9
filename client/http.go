package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpClient bounds every call. Sync calls may wait on peer rounds.
var httpClient = &http.Client{Timeout: 45 * time.Second}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(url string, result any) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %w", url, statusError(resp))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func httpPostJSON(url string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: %w", url, statusError(resp))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int    // Code is the HTTP status code
	Message string // Message is the server's error message, if any
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}

	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// statusError reads the {"error": ...} body of a failed response.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}

	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}
