package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const clientTimeout = 30 * time.Second

// apiDeployment mirrors the server's deployment response shape
type apiDeployment struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	Pool          string     `json:"pool"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retry_count"`
	Reschedules   int        `json:"reschedules"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func httpClient() *http.Client {
	return &http.Client{Timeout: clientTimeout}
}

func apiURL(path string) string {
	return strings.TrimRight(serverAddr, "/") + path
}

// doJSON performs a request and decodes the JSON response into out. Non-2xx
// responses are turned into errors carrying the server's message.
func doJSON(method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, apiURL(path), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func runSubmit(planPath string, wait bool) error {
	planData, err := os.ReadFile(planPath) // #nosec G304 - user-provided plan file
	if err != nil {
		return fmt.Errorf("failed to read plan file: %w", err)
	}

	var d apiDeployment
	if err := doJSON(http.MethodPost, "/api/v1/deployments", bytes.NewReader(planData), &d); err != nil {
		return err
	}

	fmt.Printf("Submitted deployment %s (environment %s, pool %s)\n", d.ID, d.EnvironmentID, d.Pool)

	if !wait {
		return nil
	}
	return waitForCompletion(d.ID)
}

func waitForCompletion(deploymentID string) error {
	for {
		time.Sleep(2 * time.Second)

		var d apiDeployment
		if err := doJSON(http.MethodGet, "/api/v1/deployments/"+url.PathEscape(deploymentID), nil, &d); err != nil {
			return err
		}

		switch d.Status {
		case "completed":
			fmt.Printf("Deployment %s completed\n", d.ID)
			return nil
		case "failed", "canceled":
			fmt.Printf("Deployment %s %s\n", d.ID, d.Status)
			return runResult(d.ID)
		default:
			fmt.Printf("  %s...\n", d.Status)
		}
	}
}

func runStatus(deploymentID string) error {
	var d apiDeployment
	if err := doJSON(http.MethodGet, "/api/v1/deployments/"+url.PathEscape(deploymentID), nil, &d); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", d.ID)
	fmt.Printf("Environment: %s\n", d.EnvironmentID)
	fmt.Printf("Pool:        %s\n", d.Pool)
	fmt.Printf("Status:      %s\n", d.Status)
	fmt.Printf("Retries:     %d\n", d.RetryCount)
	fmt.Printf("Reschedules: %d\n", d.Reschedules)
	fmt.Printf("Created:     %s\n", d.CreatedAt.Format(time.RFC3339))
	if d.StartedAt != nil {
		fmt.Printf("Started:     %s\n", d.StartedAt.Format(time.RFC3339))
	}
	if d.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", d.CompletedAt.Format(time.RFC3339))
	}
	return nil
}

func runResult(deploymentID string) error {
	var result json.RawMessage
	if err := doJSON(http.MethodGet, "/api/v1/deployments/"+url.PathEscape(deploymentID)+"/result", nil, &result); err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func runLogs(deploymentID string) error {
	var logs []string
	if err := doJSON(http.MethodGet, "/api/v1/deployments/"+url.PathEscape(deploymentID)+"/logs", nil, &logs); err != nil {
		return err
	}
	for _, line := range logs {
		fmt.Println(line)
	}
	return nil
}

func runList(status, pool string) error {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if pool != "" {
		query.Set("pool", pool)
	}
	path := "/api/v1/deployments"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var deployments []apiDeployment
	if err := doJSON(http.MethodGet, path, nil, &deployments); err != nil {
		return err
	}

	if len(deployments) == 0 {
		fmt.Println("No deployments found")
		return nil
	}

	fmt.Printf("%-38s %-24s %-10s %-12s %s\n", "ID", "ENVIRONMENT", "POOL", "STATUS", "CREATED")
	for _, d := range deployments {
		fmt.Printf("%-38s %-24s %-10s %-12s %s\n",
			d.ID, d.EnvironmentID, d.Pool, d.Status, d.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runCancel(deploymentID string) error {
	if err := doJSON(http.MethodPost, "/api/v1/deployments/"+url.PathEscape(deploymentID)+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Canceling deployment %s\n", deploymentID)
	return nil
}

func runRetry(deploymentID string) error {
	var clone apiDeployment
	if err := doJSON(http.MethodPost, "/api/v1/deployments/"+url.PathEscape(deploymentID)+"/retry", nil, &clone); err != nil {
		return err
	}
	fmt.Printf("Retrying deployment %s as %s\n", deploymentID, clone.ID)
	return nil
}
