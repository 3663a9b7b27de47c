package models

// Cookie mirrors the CDP cookie fields needed to replay a login
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// BrowserState is the authenticated state extracted from a live browser
type BrowserState struct {
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage"`
}

// HasCookie reports whether a non-empty cookie with the given name is present
func (s *BrowserState) HasCookie(name string) bool {
	for _, c := range s.Cookies {
		if c.Name == name && c.Value != "" {
			return true
		}
	}
	return false
}
