package utils

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const DEFAULT_REGION = "local"

var zoneSuffix = regexp.MustCompile(`-[a-z]$`)

// Region returns the current region of the GCP machine
func Region() (string, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest("GET", "http://metadata.google.internal/computeMetadata/v1/instance/zone", nil)
	if err != nil {
		return "", err
	}

	req.Header.Add("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		// can only send requests inside machine, otherwise we are in localhost
		return DEFAULT_REGION, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return RegionFromZone(string(body))
}

// RegionFromZone parses a metadata zone path such as
// projects/123/zones/europe-west3-a into europe-west3.
func RegionFromZone(response string) (string, error) {
	parts := strings.Split(response, "/")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid response format: %s", response)
	}
	return zoneSuffix.ReplaceAllString(parts[3], ""), nil
}
