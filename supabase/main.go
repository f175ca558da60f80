package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	pathUser = "/auth/v1/user"
)

// Supabase reads identities from the hosted auth service.
type Supabase struct {
	BaseURL string
	AnonKey string
	Client  *http.Client
}

func New(baseURL, anonKey string) *Supabase {
	return &Supabase{
		BaseURL: strings.TrimRight(baseURL, "/"),
		AnonKey: anonKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type User struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	Role         string                 `json:"role"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
}

// FullName returns the display name the user signed up with, if any.
func (u *User) FullName() string {
	for _, key := range []string{"full_name", "name"} {
		if name, ok := u.UserMetadata[key].(string); ok && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

// MetadataString returns a string value of the user metadata.
func (u *User) MetadataString(key string) string {
	value, _ := u.UserMetadata[key].(string)
	return value
}

// GetUser returns the user the access token belongs to.
func (s *Supabase) GetUser(ctx context.Context, accessToken string) (*User, error) {
	responseBody, err := s.get(ctx, fmt.Sprintf("%s%s", s.BaseURL, pathUser), accessToken)
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(responseBody, &user); err != nil {
		return nil, errors.Wrap(err, "failed to decode auth user")
	}
	if user.ID == "" {
		return nil, errors.New("auth user response has no id")
	}

	return &user, nil
}

func (s *Supabase) get(ctx context.Context, url, accessToken string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("apikey", s.AnonKey)
	request.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := s.Client.Do(request)
	if err != nil {
		return nil, errors.Wrap(err, "auth request failed")
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bad response %d from auth service", response.StatusCode)
	}

	return responseBody, nil
}
