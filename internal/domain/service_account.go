package domain

import (
	"slices"
	"time"
)

// ServiceAccountSubjectPrefix marks machine identities in token subjects.
const ServiceAccountSubjectPrefix = "sa:"

type ServiceAccount struct {
	ClientID     string     `json:"client_id" dynamodbav:"client_id"`
	Name         string     `json:"name" dynamodbav:"name"`
	SecretHash   string     `json:"-" dynamodbav:"secret_hash"`
	Scopes       []string   `json:"scopes" dynamodbav:"scopes"`
	AllowedIPs   []string   `json:"allowed_ips,omitempty" dynamodbav:"allowed_ips,omitempty"`
	Enable       bool       `json:"enable" dynamodbav:"enable"`
	CreatedBy    string     `json:"created_by" dynamodbav:"created_by"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty" dynamodbav:"last_used_at,omitempty"`
	LastUsedFrom string     `json:"last_used_from,omitempty" dynamodbav:"last_used_from,omitempty"`
	CreatedAt    time.Time  `json:"created" dynamodbav:"created_at"`
	UpdatedAt    time.Time  `json:"updated" dynamodbav:"updated_at"`
}

// IPAllowed reports whether ip may use the account. An empty allow-list admits any address.
func (a *ServiceAccount) IPAllowed(ip string) bool {
	return len(a.AllowedIPs) == 0 || slices.Contains(a.AllowedIPs, ip)
}

type CreateServiceAccountRequest struct {
	Name       string   `json:"name" validate:"required"`
	Scopes     []string `json:"scopes" validate:"required,min=1,dive,scope"`
	AllowedIPs []string `json:"allowed_ips" validate:"omitempty,dive,ip"`
}
