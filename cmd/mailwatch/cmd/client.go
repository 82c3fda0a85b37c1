package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var apiAddr string

// baseURL is --addr when given, otherwise the configured listen address.
func baseURL() (string, error) {
	addr := apiAddr
	if addr == "" {
		cfg, _, err := setup()
		if err != nil {
			return "", err
		}
		addr = cfg.HTTP.Listen
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

// apiGet performs a GET and decodes the JSON response.
func apiGet(path string, dest any) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(base + path)
	if err != nil {
		return fmt.Errorf("cannot connect to mailwatch at %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mailwatch returned HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
