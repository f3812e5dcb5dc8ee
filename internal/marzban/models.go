package marzban

import (
	"time"
)

const bytesPerGB = 1 << 30

// Marzban user payloads. expire is unix seconds (0 = unlimited), data_limit
// and used_traffic are bytes.

type createUserRequest struct {
	Username  string                       `json:"username"`
	Status    string                       `json:"status,omitempty"`
	Expire    int64                        `json:"expire"`
	DataLimit int64                        `json:"data_limit,omitempty"`
	Proxies   map[string]map[string]string `json:"proxies,omitempty"`
	Inbounds  map[string][]string          `json:"inbounds,omitempty"`
}

type modifyUserRequest struct {
	Expire int64 `json:"expire"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type subscriptionResponse struct {
	URL string `json:"url"`
}

type User struct {
	Username        string   `json:"username"`
	UUID            string   `json:"uuid"`
	Status          string   `json:"status"`
	Expire          int64    `json:"expire"`
	DataLimit       int64    `json:"data_limit"`
	UsedTraffic     int64    `json:"used_traffic"`
	SubscriptionURL string   `json:"subscription_url"`
	Links           []string `json:"links"`
}

// ExpireAt converts the unix expire field to UTC time; nil means the panel
// reports no expiry.
func (u *User) ExpireAt() *time.Time {
	if u == nil || u.Expire <= 0 {
		return nil
	}
	t := time.Unix(u.Expire, 0).UTC()
	return &t
}

func (u *User) DataLimitGB() float64 {
	if u == nil || u.DataLimit <= 0 {
		return 0
	}
	return float64(u.DataLimit) / bytesPerGB
}

func (u *User) UsedTrafficGB() float64 {
	if u == nil || u.UsedTraffic <= 0 {
		return 0
	}
	return float64(u.UsedTraffic) / bytesPerGB
}
