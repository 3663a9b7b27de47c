package models

// ProxyEntry is an upstream egress route candidate
type ProxyEntry struct {
	ID            string  `json:"id" mapstructure:"id"`
	Provider      string  `json:"provider" mapstructure:"provider"`
	Label         string  `json:"label" mapstructure:"label"`
	Endpoint      string  `json:"endpoint" mapstructure:"endpoint"`
	CredentialRef string  `json:"credentialRef,omitempty" mapstructure:"credential_ref"`
	Geo           string  `json:"geo,omitempty" mapstructure:"geo"`
	IsActive      bool    `json:"isActive" mapstructure:"is_active"`
	SuccessCount  int     `json:"successCount" mapstructure:"-"`
	FailureCount  int     `json:"failureCount" mapstructure:"-"`
	HealthScore   float64 `json:"healthScore" mapstructure:"-"`
}
