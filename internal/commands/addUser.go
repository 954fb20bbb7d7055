package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"vestnik/internal/api"
	"vestnik/internal/config"
)

func AddUser(username string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username, NewMessagePopup: true})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var result api.AddUserResponse
	if err := postAdmin(cfg, "/admin/users", reqBody, &result); err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:      %s\n", result.Username)
	fmt.Printf("User ID:       %s\n", result.UserID)
	fmt.Printf("Access token:  %s\n\n", result.Token)
	fmt.Printf("Connect with:  vestnik-client -server %s -token %s\n", cfg.BaseURL, result.Token)
	return nil
}

// AddPost creates a post owned by userID and prints its id.
func AddPost(userID string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.CreatePostRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var result api.CreatePostResponse
	if err := postAdmin(cfg, "/admin/posts", reqBody, &result); err != nil {
		return fmt.Errorf("failed to add post: %w", err)
	}

	fmt.Printf("Post ID: %s\n", result.PostID)
	return nil
}

func postAdmin(cfg *config.Config, path string, body []byte, result any) error {
	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
