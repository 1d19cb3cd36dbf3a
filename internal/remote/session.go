package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
)

// Session is the persisted login state: the user id from the last login and
// the cookies the service set for the base URL.
type Session struct {
	Path   string
	UserID string

	base *url.URL
	jar  *cookiejar.Jar
}

type sessionFile struct {
	BaseURL string         `json:"base_url"`
	UserID  string         `json:"user_id"`
	Cookies []storedCookie `json:"cookies"`
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LoggedIn reports whether a login has been recorded.
func (s *Session) LoggedIn() bool {
	return s != nil && s.UserID != ""
}

func (s *Session) restore() error {
	if s.Path == "" {
		return nil
	}
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.BaseURL != s.base.String() {
		return nil
	}
	s.UserID = f.UserID
	cookies := make([]*http.Cookie, 0, len(f.Cookies))
	for _, c := range f.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	s.jar.SetCookies(s.base, cookies)
	return nil
}

func (s *Session) save(userID string) error {
	s.UserID = userID
	if s.Path == "" {
		return nil
	}
	f := sessionFile{BaseURL: s.base.String(), UserID: userID}
	for _, c := range s.jar.Cookies(s.base) {
		f.Cookies = append(f.Cookies, storedCookie{Name: c.Name, Value: c.Value})
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

func (s *Session) clear() error {
	s.UserID = ""
	expired := []*http.Cookie{}
	for _, c := range s.jar.Cookies(s.base) {
		expired = append(expired, &http.Cookie{Name: c.Name, Value: "", Path: "/", MaxAge: -1})
	}
	s.jar.SetCookies(s.base, expired)
	if s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
